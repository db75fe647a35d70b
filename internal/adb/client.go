// Package adb implements the device channels on top of the adb command-line
// tool: it launches the scrcpy server on the device behind an adb forward
// tunnel, queries the screen size, injects input and captures still frames.
package adb

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/devrelay/internal/device"
)

// Defaults for Config fields left zero.
const (
	DefaultBinary          = "adb"
	DefaultRemoteJar       = "/data/local/tmp/scrcpy-server.jar"
	DefaultServerVersion   = "2.4"
	DefaultMaxSize         = 1280
	DefaultVideoBitRate    = 4_000_000
	DefaultForwardPortBase = 27183
	DefaultCommandTimeout  = 10 * time.Second
)

// Config configures the adb client.
type Config struct {
	Binary string `yaml:"binary"`
	// ServerJar is a local scrcpy-server build pushed to RemoteJar before
	// each launch. Empty means the jar is already on the device.
	ServerJar       string        `yaml:"server_jar"`
	RemoteJar       string        `yaml:"remote_jar"`
	ServerVersion   string        `yaml:"server_version"`
	MaxSize         int           `yaml:"max_size"`
	VideoBitRate    int           `yaml:"video_bit_rate"`
	MaxFPS          int           `yaml:"max_fps"`
	ForwardPortBase int           `yaml:"forward_port_base"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.RemoteJar == "" {
		c.RemoteJar = DefaultRemoteJar
	}
	if c.ServerVersion == "" {
		c.ServerVersion = DefaultServerVersion
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.VideoBitRate <= 0 {
		c.VideoBitRate = DefaultVideoBitRate
	}
	if c.ForwardPortBase <= 0 {
		c.ForwardPortBase = DefaultForwardPortBase
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	return c
}

// commander runs adb invocations. execCommander is the production
// implementation; tests substitute a fake.
type commander interface {
	Output(ctx context.Context, args ...string) ([]byte, error)
	Start(args ...string) (device.Process, error)
}

// Client implements device.Control and device.Capture.
type Client struct {
	cfg Config
	log *slog.Logger
	cmd commander

	mu       sync.Mutex
	forwards map[string]int // deviceID -> local forward port
}

var (
	_ device.Control = (*Client)(nil)
	_ device.Capture = (*Client)(nil)
)

// New creates a Client that shells out to the adb binary.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	log := slog.With("component", "adb")
	return newClient(cfg, &execCommander{binary: cfg.Binary, log: log}, log)
}

func newClient(cfg Config, cmd commander, log *slog.Logger) *Client {
	return &Client{
		cfg:      cfg.withDefaults(),
		log:      log,
		cmd:      cmd,
		forwards: make(map[string]int),
	}
}

// run executes a short adb command for one device under the command timeout.
func (c *Client) run(ctx context.Context, deviceID string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	out, err := c.cmd.Output(ctx, append([]string{"-s", deviceID}, args...)...)
	if err != nil {
		return out, fmt.Errorf("%w: %s: adb %s: %w", device.ErrUnreachable, deviceID, args[0], err)
	}
	return out, nil
}

// StartCapture pushes the server jar if configured, opens a forward tunnel
// to a fresh abstract socket and launches the scrcpy server on it. The
// server writes one dummy byte on the first connection.
func (c *Client) StartCapture(ctx context.Context, deviceID string) (device.Process, device.Endpoint, error) {
	if c.cfg.ServerJar != "" {
		if _, err := c.run(ctx, deviceID, "push", c.cfg.ServerJar, c.cfg.RemoteJar); err != nil {
			return nil, device.Endpoint{}, err
		}
	}

	scid := fmt.Sprintf("%08x", rand.Uint32()&0x7fffffff)
	port := c.allocPort(deviceID)
	if _, err := c.run(ctx, deviceID, "forward",
		"tcp:"+strconv.Itoa(port), "localabstract:scrcpy_"+scid); err != nil {
		c.releasePort(deviceID)
		return nil, device.Endpoint{}, err
	}

	proc, err := c.cmd.Start(append([]string{"-s", deviceID}, c.serverArgs(scid)...)...)
	if err != nil {
		c.removeForward(ctx, deviceID)
		return nil, device.Endpoint{}, fmt.Errorf("%w: %s: launch capture server: %w", device.ErrUnreachable, deviceID, err)
	}

	c.log.Info("capture server launched", "device", deviceID, "port", port, "scid", scid)
	return proc, device.Endpoint{Addr: "127.0.0.1:" + strconv.Itoa(port), Preamble: 1}, nil
}

func (c *Client) serverArgs(scid string) []string {
	args := []string{
		"shell",
		"CLASSPATH=" + c.cfg.RemoteJar,
		"app_process", "/", "com.genymobile.scrcpy.Server", c.cfg.ServerVersion,
		"scid=" + scid,
		"log_level=info",
		"tunnel_forward=true",
		"audio=false",
		"control=false",
		"cleanup=true",
		"send_device_meta=false",
		"send_frame_meta=false",
		"send_codec_meta=false",
		"send_dummy_byte=true",
		"video_codec=h264",
		"max_size=" + strconv.Itoa(c.cfg.MaxSize),
		"video_bit_rate=" + strconv.Itoa(c.cfg.VideoBitRate),
	}
	if c.cfg.MaxFPS > 0 {
		args = append(args, "max_fps="+strconv.Itoa(c.cfg.MaxFPS))
	}
	return args
}

// StopCapture removes the device's forward tunnel. The server process
// itself is owned by the caller through the Process handle.
func (c *Client) StopCapture(ctx context.Context, deviceID string) error {
	return c.removeForward(ctx, deviceID)
}

func (c *Client) removeForward(ctx context.Context, deviceID string) error {
	port, ok := c.releasePort(deviceID)
	if !ok {
		return nil
	}
	_, err := c.run(ctx, deviceID, "forward", "--remove", "tcp:"+strconv.Itoa(port))
	return err
}

// allocPort returns the lowest free forward port at or above the base.
func (c *Client) allocPort(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.forwards[deviceID]; ok {
		return p
	}
	used := make(map[int]bool, len(c.forwards))
	for _, p := range c.forwards {
		used[p] = true
	}
	port := c.cfg.ForwardPortBase
	for used[port] {
		port++
	}
	c.forwards[deviceID] = port
	return port
}

func (c *Client) releasePort(deviceID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.forwards[deviceID]
	delete(c.forwards, deviceID)
	return p, ok
}

// Resolution runs "wm size". An override size, when set, wins over the
// physical size since it is what the display renders and input maps to.
func (c *Client) Resolution(ctx context.Context, deviceID string) (device.Resolution, bool, error) {
	out, err := c.run(ctx, deviceID, "shell", "wm", "size")
	if err != nil {
		return device.Resolution{}, false, err
	}
	res, ok := parseWMSize(out)
	return res, ok, nil
}

func parseWMSize(out []byte) (device.Resolution, bool) {
	var physical, override device.Resolution
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		label, value, found := strings.Cut(sc.Text(), ":")
		if !found {
			continue
		}
		res, ok := parseSize(strings.TrimSpace(value))
		if !ok {
			continue
		}
		switch strings.TrimSpace(label) {
		case "Physical size":
			physical = res
		case "Override size":
			override = res
		}
	}
	if override.Valid() {
		return override, true
	}
	return physical, physical.Valid()
}

func parseSize(s string) (device.Resolution, bool) {
	ws, hs, ok := strings.Cut(s, "x")
	if !ok {
		return device.Resolution{}, false
	}
	w, err1 := strconv.Atoi(ws)
	h, err2 := strconv.Atoi(hs)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return device.Resolution{}, false
	}
	return device.Resolution{Width: w, Height: h}, true
}

// InjectTap runs "input tap".
func (c *Client) InjectTap(ctx context.Context, deviceID string, p device.Point) error {
	_, err := c.run(ctx, deviceID, "shell", "input", "tap", strconv.Itoa(p.X), strconv.Itoa(p.Y))
	return err
}

// InjectSwipe performs a straight swipe with "input swipe" when given two
// points. Longer paths are replayed with "input motionevent", spreading the
// duration evenly across the moves.
func (c *Client) InjectSwipe(ctx context.Context, deviceID string, points []device.Point, duration time.Duration) error {
	switch len(points) {
	case 0:
		return errors.New("adb: swipe needs at least one point")
	case 1:
		return c.InjectTap(ctx, deviceID, points[0])
	case 2:
		a, b := points[0], points[1]
		_, err := c.run(ctx, deviceID, "shell", "input", "swipe",
			strconv.Itoa(a.X), strconv.Itoa(a.Y), strconv.Itoa(b.X), strconv.Itoa(b.Y),
			strconv.FormatInt(duration.Milliseconds(), 10))
		return err
	}

	step := duration / time.Duration(len(points)-1)
	if err := c.motion(ctx, deviceID, "DOWN", points[0]); err != nil {
		return err
	}
	for _, p := range points[1 : len(points)-1] {
		select {
		case <-ctx.Done():
			_ = c.motion(context.WithoutCancel(ctx), deviceID, "UP", p)
			return ctx.Err()
		case <-time.After(step):
		}
		if err := c.motion(ctx, deviceID, "MOVE", p); err != nil {
			return err
		}
	}
	return c.motion(ctx, deviceID, "UP", points[len(points)-1])
}

func (c *Client) motion(ctx context.Context, deviceID, action string, p device.Point) error {
	_, err := c.run(ctx, deviceID, "shell", "input", "motionevent", action, strconv.Itoa(p.X), strconv.Itoa(p.Y))
	return err
}

// DeviceInfo is one entry of "adb devices -l".
type DeviceInfo struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
	Model  string `json:"model,omitempty"`
}

// Devices lists the devices known to the adb server.
func (c *Client) Devices(ctx context.Context) ([]DeviceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	out, err := c.cmd.Output(ctx, "devices", "-l")
	if err != nil {
		return nil, fmt.Errorf("%w: adb devices: %w", device.ErrUnreachable, err)
	}
	return parseDevices(out), nil
}

func parseDevices(out []byte) []DeviceInfo {
	var devices []DeviceInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || strings.HasPrefix(fields[0], "*") || fields[0] == "List" {
			continue
		}
		d := DeviceInfo{Serial: fields[0], State: fields[1]}
		for _, f := range fields[2:] {
			if m, ok := strings.CutPrefix(f, "model:"); ok {
				d.Model = m
			}
		}
		devices = append(devices, d)
	}
	return devices
}
