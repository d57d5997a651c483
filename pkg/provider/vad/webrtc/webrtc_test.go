package webrtc_test

import (
	"testing"

	"github.com/MrWong99/millwright/pkg/provider/vad"
	"github.com/MrWong99/millwright/pkg/provider/vad/webrtc"
)

func newSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	sess, err := webrtc.New().NewSession(vad.Config{
		SampleRate:     16000,
		FrameSizeMs:    30,
		Aggressiveness: webrtc.DefaultAggressiveness,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestNewSession_RejectsUnsupportedFrameSize(t *testing.T) {
	_, err := webrtc.New().NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 40})
	if err == nil {
		t.Fatal("expected error for 40 ms frames")
	}
}

func TestProcessFrame_SilenceIsNotSpeech(t *testing.T) {
	sess := newSession(t)
	ev, err := sess.ProcessFrame(make([]byte, 960))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.IsSpeech() {
		t.Errorf("silent frame classified as speech: %v", ev.Type)
	}
}

func TestProcessFrame_WrongLength(t *testing.T) {
	sess := newSession(t)
	if _, err := sess.ProcessFrame(make([]byte, 100)); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestProcessFrame_AfterClose(t *testing.T) {
	sess := newSession(t)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := sess.ProcessFrame(make([]byte, 960)); err == nil {
		t.Fatal("expected error after Close")
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}
