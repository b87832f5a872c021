package main

import (
	"bytes"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/aily/internal/config"
)

func TestRegisterBuiltinProviders_CoversKnownNames(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, func(int64) {})

	for kind, names := range config.ValidProviderNames {
		registered := reg.Names(kind)
		for _, name := range names {
			if !slices.Contains(registered, name) {
				t.Errorf("%s provider %q is listed as valid but not registered", kind, name)
			}
		}
	}
}

func TestRegisterBuiltinProviders_Devices(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, func(int64) {})

	dev, err := reg.CreateDevice(config.ProviderEntry{Name: "websocket"})
	if err != nil {
		t.Fatalf("CreateDevice(websocket): %v", err)
	}
	if _, ok := dev.(http.Handler); !ok {
		t.Errorf("websocket device %T should be mountable as an http.Handler", dev)
	}

	if _, err := reg.CreateDevice(config.ProviderEntry{
		Name:    "serial",
		Options: map[string]any{"port": "/dev/ttyUSB0", "baud_rate": 115200},
	}); err != nil {
		t.Fatalf("CreateDevice(serial): %v", err)
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format config.LogFormat
		want   string
	}{
		{config.LogFormatText, "msg=hello"},
		{config.LogFormatJSON, `"msg":"hello"`},
		{config.LogFormatTint, "hello"},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			level := new(slog.LevelVar)
			logger := newLogger(&buf, tt.format, level)

			logger.Debug("hidden")
			logger.Info("hello")
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
			if strings.Contains(buf.String(), "hidden") {
				t.Error("debug record written at info level")
			}

			level.Set(slog.LevelDebug)
			logger.Debug("now visible")
			if !strings.Contains(buf.String(), "now visible") {
				t.Error("level change was not honoured")
			}
		})
	}
}
