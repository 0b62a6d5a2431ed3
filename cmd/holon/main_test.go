package main

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/organic-programming/dart-holons/internal/holonclient"
)

// TestRequireFlag mirrors the teacher's TestMustGetenv swap-and-restore
// pattern: logFatal is replaced so a missing required setting doesn't kill
// the test binary.
func TestRequireFlag(t *testing.T) {
	t.Run("value present does not fatal", func(t *testing.T) {
		oldLogFatal := logFatal
		defer func() { logFatal = oldLogFatal }()

		fatalCalled := false
		logFatal = func(format string, v ...any) { fatalCalled = true }

		requireFlag("ws://localhost:8080/rpc", "HOLON_BROKER_URL (or -broker) is required")

		if fatalCalled {
			t.Error("expected logFatal not to be called when value is set")
		}
	})

	t.Run("value missing fatals", func(t *testing.T) {
		oldLogFatal := logFatal
		defer func() { logFatal = oldLogFatal }()

		fatalCalled := false
		logFatal = func(format string, v ...any) { fatalCalled = true }

		requireFlag("", "HOLON_NAME (or -name) is required")

		if !fatalCalled {
			t.Error("expected logFatal to be called when value is empty")
		}
	})
}

func TestRegisterDemoHandlers(t *testing.T) {
	// registerDemoHandlers just wires echoPingHandler into the client's
	// method table; confirm the wiring doesn't panic against a fresh,
	// unconnected client.
	client := holonclient.New(zap.NewNop(), holonclient.DefaultConfig("ws://unused"))
	registerDemoHandlers(client, "holon-a")
}

func TestEchoPingHandler(t *testing.T) {
	h := echoPingHandler("holon-a")

	result, err := h(context.Background(), json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any result, got %T", result)
	}
	if out["from"] != "holon-a" {
		t.Errorf("expected from=holon-a, got %v", out["from"])
	}
	if out["message"] != "hi" {
		t.Errorf("expected message echoed back, got %v", out["message"])
	}
}

func TestEchoPingHandlerEmptyParams(t *testing.T) {
	h := echoPingHandler("holon-b")

	result, err := h(context.Background(), nil)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any result, got %T", result)
	}
	if out["from"] != "holon-b" {
		t.Errorf("expected from=holon-b, got %v", out["from"])
	}
}

func TestEchoPingHandlerInvalidParams(t *testing.T) {
	h := echoPingHandler("holon-c")

	if _, err := h(context.Background(), json.RawMessage(`not json`)); err == nil {
		t.Error("expected an error for malformed params")
	}
}
