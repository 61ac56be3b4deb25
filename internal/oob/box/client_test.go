package box

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

type fakeBox struct {
	ln     net.Listener
	mu     sync.Mutex
	frames [][]byte
	reply  []byte
	wg     sync.WaitGroup
}

// startFakeBox accepts connections, records the first frame of each and
// optionally writes reply back.
func startFakeBox(t *testing.T, reply []byte) *fakeBox {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	fb := &fakeBox{ln: ln, reply: reply}
	fb.wg.Add(1)
	go func() {
		defer fb.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 64)
			_ = conn.SetReadDeadline(time.Now().Add(time.Second))
			n, _ := conn.Read(buf)
			fb.mu.Lock()
			fb.frames = append(fb.frames, append([]byte(nil), buf[:n]...))
			fb.mu.Unlock()
			if len(fb.reply) > 0 {
				_, _ = conn.Write(fb.reply)
			} else {
				// hold the connection open and silent until the client gives up
				_, _ = io.Copy(io.Discard, conn)
			}
			_ = conn.Close()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		fb.wg.Wait()
	})
	return fb
}

func (fb *fakeBox) client() *Client {
	host, portStr, _ := net.SplitHostPort(fb.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return New(Config{Host: host, Port: port, ConnectTimeout: time.Second, ReadTimeout: 150 * time.Millisecond})
}

func (fb *fakeBox) received() [][]byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([][]byte(nil), fb.frames...)
}

func TestHexToBytes(t *testing.T) {
	got, err := HexToBytes("AA 01 88 84 01 00 DD")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := []byte{0xAA, 0x01, 0x88, 0x84, 0x01, 0x00, 0xDD}
	if !bytes.Equal(got, want) {
		t.Fatalf("unexpected bytes: %v", got)
	}

	cases := map[string][]byte{
		"aa-01-ff":  {0xAA, 0x01, 0xFF},
		"00 7f 80":  {0x00, 0x7F, 0x80},
		"DEADBEEF":  {0xDE, 0xAD, 0xBE, 0xEF},
		" 10 - 20 ": {0x10, 0x20},
		"AA:BB:CC":  {0xAA, 0xBB, 0xCC},
	}
	for in, want := range cases {
		got, err := HexToBytes(in)
		if err != nil {
			t.Fatalf("decode %q failed: %v", in, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("decode %q = %v, want %v", in, got, want)
		}
		if round, _ := HexToBytes(BytesToHex(got)); !bytes.Equal(round, got) {
			t.Fatalf("round trip of %q mismatch: %v", in, round)
		}
	}

	for _, bad := range []string{"", "A", "ZZ", "AA B"} {
		if _, err := HexToBytes(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestFrame(t *testing.T) {
	if got := Frame(cmdPower, 15, onOffOn); got != "AA 01 88 84 0F 01 DD" {
		t.Fatalf("unexpected frame: %s", got)
	}
	if got := Frame(cmdMode, slotAll, modeOTG); got != "AA 01 88 82 00 01 DD" {
		t.Fatalf("unexpected frame: %s", got)
	}
}

func TestSendCommandWritesFrameAndReadsResponse(t *testing.T) {
	fb := startFakeBox(t, []byte{0x55, 0x01})
	c := fb.client()

	res := c.SendCommand(context.Background(), "AA 01 88 84 01 00 DD", true)
	if !res.Success {
		t.Fatalf("send failed: %s", res.Error)
	}
	if !bytes.Equal(res.Response, []byte{0x55, 0x01}) {
		t.Fatalf("unexpected response: %v", res.Response)
	}
	frames := fb.received()
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{0xAA, 0x01, 0x88, 0x84, 0x01, 0x00, 0xDD}) {
		t.Fatalf("unexpected frames: %v", frames)
	}
}

func TestSendCommandConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()

	c := New(Config{Host: "127.0.0.1", Port: addr.Port, ConnectTimeout: 500 * time.Millisecond})
	res := c.SendCommand(context.Background(), "AA 01 88 84 00 01 DD", false)
	if res.Success {
		t.Fatal("expected failure against closed port")
	}
	if res.Error == "" {
		t.Fatal("expected error message")
	}
	if c.Ping(context.Background()) {
		t.Fatal("ping should fail against closed port")
	}
}

func TestPowerCycleStopsWhenOffFails(t *testing.T) {
	c := New(Config{Host: "127.0.0.1", Port: 1})
	calls := 0
	c.dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		calls++
		return nil, &net.OpError{Op: "dial", Err: io.ErrUnexpectedEOF}
	}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatal("should not sleep after failed power off")
		return nil
	}
	if c.PowerCycle(context.Background(), time.Second) {
		t.Fatal("power cycle should fail")
	}
	if calls != 1 {
		t.Fatalf("expected only the off command to be attempted, got %d dials", calls)
	}
}

func TestSlotPowerCycleSendsOffThenOn(t *testing.T) {
	fb := startFakeBox(t, []byte{0x01})
	c := fb.client()
	var slept time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		return nil
	}
	if !c.SlotPowerCycle(context.Background(), 3, 2*time.Second) {
		t.Fatal("slot power cycle failed")
	}
	if slept != 2*time.Second {
		t.Fatalf("unexpected sleep %s", slept)
	}
	deadline := time.Now().Add(time.Second)
	for len(fb.received()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	frames := fb.received()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if BytesToHex(frames[0]) != "AA 01 88 84 03 00 DD" || BytesToHex(frames[1]) != "AA 01 88 84 03 01 DD" {
		t.Fatalf("unexpected frames: %s / %s", BytesToHex(frames[0]), BytesToHex(frames[1]))
	}
}

func TestDiscoverProtocolSilentBox(t *testing.T) {
	fb := startFakeBox(t, nil)
	c := fb.client()

	d := c.DiscoverProtocol(context.Background())
	if !d.ConnectionOK || !d.CommandSent {
		t.Fatalf("expected connection and send to succeed: %+v", d)
	}
	if d.HasResponse {
		t.Fatalf("silent box should have no response: %+v", d)
	}
	found := false
	for _, n := range d.Notes {
		if n == "no response: treating box as fire-and-forget" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fire-and-forget note, got %v", d.Notes)
	}
}

func TestDiscoverProtocolRespondingBox(t *testing.T) {
	fb := startFakeBox(t, []byte{0xAA, 0x00, 0xDD})
	d := fb.client().DiscoverProtocol(context.Background())
	if !d.HasResponse || !bytes.Equal(d.Response, []byte{0xAA, 0x00, 0xDD}) {
		t.Fatalf("expected response: %+v", d)
	}
}
