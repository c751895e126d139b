package ipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/omnirec/omnirec/internal/capture"
	"github.com/omnirec/omnirec/internal/service"
)

func TestFraming_RoundTrip(t *testing.T) {
	target := capture.RegionTarget("DP-1", 10, 20, 640, 480)
	in := &Message{Type: TypeStartRecording, Target: &target, Audio: &service.AudioConfig{Enabled: true, MicrophoneID: "mic"}}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, in); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	size := binary.LittleEndian.Uint32(buf.Bytes()[:4])
	if int(size) != buf.Len()-4 {
		t.Fatalf("Length prefix %d does not match payload %d", size, buf.Len()-4)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"type":"start_recording"`)) {
		t.Errorf("Expected snake_case type tag in %s", buf.Bytes()[4:])
	}

	out, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if out.Type != TypeStartRecording || *out.Target != target || out.Audio.MicrophoneID != "mic" {
		t.Errorf("Round trip mismatch: %+v", out)
	}
	if _, err := ReadMessage(&buf); err != io.EOF {
		t.Errorf("Expected io.EOF at end of stream, got %v", err)
	}
}

func TestReadMessage_RejectsOversizedBeforeReading(t *testing.T) {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], MaxMessageSize+1)
	_, err := ReadMessage(bytes.NewReader(header[:]))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Expected ErrMessageTooLarge, got %v", err)
	}
}

func TestWriteMessage_RejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMessage(&buf, &Message{Type: TypeError, Error: &ErrorInfo{Code: CodeInternal, Message: strings.Repeat("x", MaxMessageSize)}})
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Expected ErrMessageTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("Expected nothing written, got %d bytes", buf.Len())
	}
}

func TestReadMessage_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "{oops"},
		{"missing type", `{"path":"/tmp/x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			binary.Write(&buf, binary.LittleEndian, uint32(len(tt.payload)))
			buf.WriteString(tt.payload)
			if _, err := ReadMessage(&buf); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("Expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestReadMessage_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(100))
	buf.WriteString(`{"type":`)
	if _, err := ReadMessage(&buf); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestMessage_Validate(t *testing.T) {
	window := capture.WindowTarget(42, "editor")
	badRegion := capture.RegionTarget("DP-1", 0, 0, capture.MaxDimension+1, 10)
	token := strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"start window", Message{Type: TypeStartRecording, Target: &window}, false},
		{"start without target", Message{Type: TypeStartRecording}, true},
		{"start oversized region", Message{Type: TypeStartRecording, Target: &badRegion}, true},
		{"start bad audio id", Message{Type: TypeStartRecording, Target: &window, Audio: &service.AudioConfig{Enabled: true, MicrophoneID: "a\x00b"}}, true},
		{"token ok", Message{Type: TypeValidateToken, Token: token}, false},
		{"token short", Message{Type: TypeStoreToken, Token: "abcd"}, true},
		{"token uppercase", Message{Type: TypeValidateToken, Token: strings.ToUpper(token)}, true},
		{"set format", Message{Type: TypeSetOutputFormat, Format: "WebM"}, false},
		{"set unknown format", Message{Type: TypeSetOutputFormat, Format: "avi"}, true},
		{"set audio", Message{Type: TypeSetAudioConfig, Audio: &service.AudioConfig{Enabled: true, SystemSourceID: "out"}}, false},
		{"set audio missing", Message{Type: TypeSetAudioConfig}, true},
		{"set audio bad id", Message{Type: TypeSetAudioConfig, Audio: &service.AudioConfig{MicrophoneID: "a\x00b"}}, true},
		{"elapsed", Message{Type: TypeGetElapsedTime}, false},
		{"ping", Message{Type: TypePing}, false},
		{"event is not a command", Message{Type: TypeStateChanged}, true},
		{"unknown type", Message{Type: "format_disk"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("Expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestErrorInfo_RoundTripsSentinels(t *testing.T) {
	tests := []struct {
		err  error
		code ErrorCode
	}{
		{capture.ErrInvalidTarget, CodeInvalidTarget},
		{capture.ErrNotSupported, CodeNotSupported},
		{service.ErrStateConflict, CodeStateConflict},
		{ErrInvalidMessage, CodeInvalidRequest},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			info := NewErrorInfo(errors.Join(errors.New("context"), tt.err))
			if info.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, info.Code)
			}
			if tt.code != CodeInternal && !errors.Is(info, tt.err) {
				t.Errorf("Expected %v to match %v", info, tt.err)
			}
		})
	}
}

func TestClient_DemultiplexesRepliesAndEvents(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	client := NewClient(NewConn(clientSide))
	defer client.Close()

	server := NewConn(serverSide)
	go func() {
		req, err := server.Receive()
		if err != nil {
			return
		}
		server.Send(&Message{Type: TypeStateChanged, State: service.StateRecording})
		server.Send(req.Reply(TypePong))
		req, err = server.Receive()
		if err != nil {
			return
		}
		server.Send(ErrorMessage(req.Type, service.ErrStateConflict))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := client.Call(ctx, &Message{Type: TypePing})
	if err != nil || reply.Type != TypePong {
		t.Fatalf("Expected pong, got %+v, %v", reply, err)
	}
	select {
	case ev := <-client.Events():
		if ev.Type != TypeStateChanged || ev.State != service.StateRecording {
			t.Errorf("Unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("Event not delivered")
	}

	_, err = client.Call(ctx, &Message{Type: TypeStopRecording})
	if !errors.Is(err, service.ErrStateConflict) {
		t.Errorf("Expected state conflict from error reply, got %v", err)
	}
}

func TestClient_CallAfterDisconnect(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	client := NewClient(NewConn(clientSide))
	serverSide.Close()
	<-client.Done()

	_, err := client.Call(context.Background(), &Message{Type: TypePing})
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("Expected ErrDisconnected, got %v", err)
	}
}

func TestClient_StalledEventReaderClosesConnection(t *testing.T) {
	saved := eventDeliveryTimeout
	eventDeliveryTimeout = 50 * time.Millisecond
	t.Cleanup(func() { eventDeliveryTimeout = saved })

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	client := NewClient(NewConn(clientSide))
	defer client.Close()

	server := NewConn(serverSide)
	go func() {
		for i := 0; i <= eventBuffer; i++ {
			if err := server.Send(&Message{Type: TypeStateChanged, State: service.StateRecording}); err != nil {
				return
			}
		}
	}()

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the client to give up on a stalled reader")
	}
	if !errors.Is(client.err, ErrDisconnected) {
		t.Errorf("Expected ErrDisconnected, got %v", client.err)
	}
	// Everything received before the stall is still readable.
	n := 0
	for range client.Events() {
		n++
	}
	if n != eventBuffer {
		t.Errorf("Expected %d buffered events, got %d", eventBuffer, n)
	}
}

func TestDial_TimesOut(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix socket test")
	}
	addr := filepath.Join(t.TempDir(), "missing.sock")
	start := time.Now()
	_, err := Dial(context.Background(), addr, 300*time.Millisecond)
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected connection failure with timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond || elapsed > 3*time.Second {
		t.Errorf("Dial returned after %v", elapsed)
	}
}

func shortSocketPath(t *testing.T) string {
	// Socket paths are limited to about 100 bytes, t.TempDir can exceed that on macOS.
	dir, err := os.MkdirTemp("", "omr")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "sock", "service.sock")
}

func TestListen_RestrictsPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix socket test")
	}
	addr := shortSocketPath(t)
	ln, err := Listen(addr)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	st, err := os.Stat(filepath.Dir(addr))
	if err != nil {
		t.Fatal(err)
	}
	if perm := st.Mode().Perm(); perm != 0700 {
		t.Errorf("Expected directory mode 0700, got %o", perm)
	}
	st, err = os.Stat(addr)
	if err != nil {
		t.Fatal(err)
	}
	if perm := st.Mode().Perm(); perm != 0600 {
		t.Errorf("Expected socket mode 0600, got %o", perm)
	}

	if _, err := Listen(addr); err == nil {
		t.Error("Expected second Listen on a live socket to fail")
	}
}

func TestListen_RemovesStaleSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix socket test")
	}
	addr := shortSocketPath(t)
	ln, err := Listen(addr)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()
	if _, err := os.Stat(addr); err != nil {
		t.Fatalf("Expected stale socket to remain: %v", err)
	}

	ln, err = Listen(addr)
	if err != nil {
		t.Fatalf("Listen over stale socket failed: %v", err)
	}
	ln.Close()
}

func testExecutable(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return exe
}

func TestCheckExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix paths")
	}
	v := &Verifier{TrustedExecutables: DefaultTrustedExecutables, TrustedDirectories: []string{"/usr/bin"}}
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/usr/bin/omnirec", false},
		{"/usr/bin/omnirec-picker", false},
		{"/usr/bin/bash", true},
		{"/tmp/evil/omnirec", true},
		{filepath.Join(filepath.Dir(testExecutable(t)), "omnirec"), false},
	}
	for _, tt := range tests {
		err := v.CheckExecutable(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckExecutable(%s) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrUntrustedPeer) {
			t.Errorf("Expected ErrUntrustedPeer, got %v", err)
		}
	}
}

// verifyOverSocket connects to a real socket from this process and runs v on the accepted side.
func verifyOverSocket(t *testing.T, v *Verifier) (PeerInfo, error) {
	t.Helper()
	addr := shortSocketPath(t)
	ln, err := Listen(addr)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	type result struct {
		peer PeerInfo
		err  error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			done <- result{err: err}
			return
		}
		defer nc.Close()
		peer, err := v.VerifyClient(nc)
		done <- result{peer, err}
	}()

	client, err := Dial(context.Background(), addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	r := <-done
	return r.peer, r.err
}

func TestVerifyClient_TrustedPeer(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("socket credentials test")
	}
	exe := testExecutable(t)
	v := &Verifier{TrustedExecutables: []string{filepath.Base(exe)}}
	peer, err := verifyOverSocket(t, v)
	if err != nil {
		t.Fatalf("Expected own process to be trusted: %v", err)
	}
	if int(peer.PID) != os.Getpid() {
		t.Errorf("Expected peer pid %d, got %d", os.Getpid(), peer.PID)
	}
	if peer.Executable != exe {
		t.Errorf("Expected executable %s, got %s", exe, peer.Executable)
	}
}

func TestVerifyClient_UntrustedPeer(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("socket credentials test")
	}
	_, err := verifyOverSocket(t, DefaultVerifier())
	if !errors.Is(err, ErrUntrustedPeer) {
		t.Errorf("Expected test binary to be rejected, got %v", err)
	}
}
