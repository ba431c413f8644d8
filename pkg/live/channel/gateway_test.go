package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vox-go/vox-lite/pkg/core"
	"github.com/vox-go/vox-lite/pkg/live/pcm"
	"github.com/vox-go/vox-lite/pkg/live/protocol"
	"github.com/vox-go/vox-lite/pkg/live/transcript"
)

var testUpgrader = websocket.Upgrader{}

// script is the server side of one test conversation: it validates the
// setup frame, acknowledges it, then sends the listed frames.
func newScriptServer(t *testing.T, frames []string, wantModel string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var setup protocol.ClientSetup
		if err := conn.ReadJSON(&setup); err != nil {
			t.Errorf("read setup: %v", err)
			return
		}
		if wantModel != "" && setup.Setup.Model != wantModel {
			t.Errorf("setup model=%q, want %q", setup.Setup.Model, wantModel)
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)); err != nil {
			return
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Drain client frames until it goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func drain(t *testing.T, ch Channel, n int) []Inbound {
	t.Helper()
	got := make([]Inbound, 0, n)
	timeout := time.After(3 * time.Second)
	for len(got) < n {
		select {
		case msg, ok := <-ch.Recv():
			if !ok {
				t.Fatalf("channel closed after %d of %d messages", len(got), n)
			}
			got = append(got, msg)
		case <-timeout:
			t.Fatalf("timed out after %d of %d messages", len(got), n)
		}
	}
	return got
}

func TestGatewayChannel_InboundDemux(t *testing.T) {
	audio := pcm.EncodeOutbound([]float32{0.25, -0.25})
	frames := []string{
		`{"audio":{"data":"` + audio + `","mimeType":"audio/pcm;rate=24000"}}`,
		`{"interrupted":true}`,
		`{"transcript":{"speaker":"user","text":"hel"}}`,
		`{"transcript":{"speaker":"model","text":"hi"}}`,
		`{"turnComplete":true}`,
	}
	srv := newScriptServer(t, frames, "models/voice-live-1")
	defer srv.Close()

	dialer := &GatewayDialer{URL: srv.URL}
	ch, err := dialer.Dial(context.Background(), Setup{Model: "models/voice-live-1", Voice: "Breeze"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	got := drain(t, ch, 5)

	chunk, ok := got[0].(AudioChunk)
	if !ok {
		t.Fatalf("msg 0 = %T, want AudioChunk", got[0])
	}
	if chunk.SampleRateHz != pcm.PlaybackSampleRateHz || len(chunk.PCM) != 4 {
		t.Fatalf("chunk=%+v", chunk)
	}
	if _, ok := got[1].(Interrupted); !ok {
		t.Fatalf("msg 1 = %T, want Interrupted", got[1])
	}
	delta, ok := got[2].(TranscriptDelta)
	if !ok || delta.Speaker != transcript.SpeakerUser || delta.Text != "hel" {
		t.Fatalf("msg 2 = %#v", got[2])
	}
	delta, ok = got[3].(TranscriptDelta)
	if !ok || delta.Speaker != transcript.SpeakerModel || delta.Text != "hi" {
		t.Fatalf("msg 3 = %#v", got[3])
	}
	if _, ok := got[4].(TurnComplete); !ok {
		t.Fatalf("msg 4 = %T, want TurnComplete", got[4])
	}
}

func TestGatewayChannel_SendAudioEnvelope(t *testing.T) {
	received := make(chan protocol.ClientMedia, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var setup protocol.ClientSetup
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var media protocol.ClientMedia
		if err := json.Unmarshal(data, &media); err != nil {
			return
		}
		received <- media
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	dialer := &GatewayDialer{URL: srv.URL}
	ch, err := dialer.Dial(context.Background(), Setup{Model: "m"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	if err := ch.SendAudio("cGNt", protocol.MIMEPCMCapture); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case media := <-received:
		if media.Media.Data != "cGNt" || media.Media.MIMEType != protocol.MIMEPCMCapture {
			t.Fatalf("media=%+v", media)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server never received the media frame")
	}
}

func TestGatewayChannel_MalformedAudioDropped(t *testing.T) {
	frames := []string{
		`{"audio":{"data":"%%%not base64%%%","mimeType":"audio/pcm;rate=24000"}}`,
		`{"turnComplete":true}`,
	}
	srv := newScriptServer(t, frames, "")
	defer srv.Close()

	dialer := &GatewayDialer{URL: srv.URL}
	ch, err := dialer.Dial(context.Background(), Setup{Model: "m"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	got := drain(t, ch, 1)
	if _, ok := got[0].(TurnComplete); !ok {
		t.Fatalf("corrupt frame should be dropped; got %T", got[0])
	}
}

func TestGatewayChannel_RemoteClose(t *testing.T) {
	frames := []string{`{"close":{"reason":"done"}}`}
	srv := newScriptServer(t, frames, "")
	defer srv.Close()

	dialer := &GatewayDialer{URL: srv.URL}
	ch, err := dialer.Dial(context.Background(), Setup{Model: "m"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	got := drain(t, ch, 1)
	closed, ok := got[0].(Closed)
	if !ok || closed.Reason != "done" {
		t.Fatalf("got %#v, want Closed{done}", got[0])
	}

	select {
	case _, ok := <-ch.Recv():
		if ok {
			t.Fatalf("expected Recv to close after terminal message")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Recv did not close")
	}
	if err := ch.Err(); err != nil {
		t.Fatalf("graceful close should not set a transport error, got %v", err)
	}
}

func TestGatewayChannel_TerminalSurvivesFullBuffer(t *testing.T) {
	// More frames than the inbound buffer holds, then a close frame, all
	// sent before the client drains anything. The Closed message must
	// still be the last thing delivered before Recv closes.
	frames := make([]string, 0, 81)
	for i := 0; i < 80; i++ {
		frames = append(frames, `{"turnComplete":true}`)
	}
	frames = append(frames, `{"close":{"reason":"done"}}`)
	srv := newScriptServer(t, frames, "")
	defer srv.Close()

	dialer := &GatewayDialer{URL: srv.URL}
	ch, err := dialer.Dial(context.Background(), Setup{Model: "m"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	// Give the read loop time to fill the buffer and hit the backlog.
	time.Sleep(200 * time.Millisecond)

	var last Inbound
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-ch.Recv():
			if !ok {
				closed, isClosed := last.(Closed)
				if !isClosed || closed.Reason != "done" {
					t.Fatalf("last message before Recv closed was %T, want Closed{done}", last)
				}
				return
			}
			last = msg
		case <-timeout:
			t.Fatalf("Recv never closed")
		}
	}
}

func TestGatewayChannel_ServerErrorIsTransportError(t *testing.T) {
	frames := []string{`{"error":{"code":"overloaded","message":"try later"}}`}
	srv := newScriptServer(t, frames, "")
	defer srv.Close()

	dialer := &GatewayDialer{URL: srv.URL}
	ch, err := dialer.Dial(context.Background(), Setup{Model: "m"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	got := drain(t, ch, 1)
	failed, ok := got[0].(Failed)
	if !ok {
		t.Fatalf("got %#v, want Failed", got[0])
	}
	if !core.IsType(failed.Err, core.ErrTransport) {
		t.Fatalf("err=%v, want transport_error", failed.Err)
	}
	if err := ch.Err(); !core.IsType(err, core.ErrTransport) {
		t.Fatalf("Err()=%v, want transport_error", err)
	}
}

func TestGatewayDialer_Validation(t *testing.T) {
	d := &GatewayDialer{URL: "ftp://example.com"}
	if _, err := d.Dial(context.Background(), Setup{Model: "m"}); err == nil {
		t.Fatalf("expected scheme error")
	}
	d = &GatewayDialer{URL: "http://example.com"}
	if _, err := d.Dial(context.Background(), Setup{}); err == nil {
		t.Fatalf("expected empty model error")
	}
}
