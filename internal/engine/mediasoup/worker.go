// Package mediasoup implements the engine interfaces on top of a
// mediasoup-worker subprocess driven through mediasoup-go.
//
// Option and data structs cross the boundary through their JSON form, which
// both sides define with mediasoup's camelCase field names.
package mediasoup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	ms "github.com/jiyeyuran/mediasoup-go/v2"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

var (
	_ engine.Worker             = (*Worker)(nil)
	_ engine.Router             = (*Router)(nil)
	_ engine.Transport          = (*Transport)(nil)
	_ engine.Producer           = (*Producer)(nil)
	_ engine.Consumer           = (*Consumer)(nil)
	_ engine.DataProducer       = (*DataProducer)(nil)
	_ engine.DataConsumer       = (*DataConsumer)(nil)
	_ engine.AudioLevelObserver = (*AudioLevelObserver)(nil)
)

// Settings configures a worker subprocess.
type Settings struct {
	// Bin is the path of the mediasoup-worker executable.
	Bin        string
	LogLevel   string
	RtcMinPort uint16
	RtcMaxPort uint16
}

// Worker is one mediasoup-worker process.
type Worker struct {
	worker *ms.Worker
	logger *slog.Logger
}

// NewWorker spawns a worker subprocess.
func NewWorker(logger *slog.Logger, settings Settings) (*Worker, error) {
	if settings.Bin == "" {
		return nil, errors.New("mediasoup: worker binary path is required")
	}

	var settingsErr error
	w, err := ms.NewWorker(settings.Bin, func(s *ms.WorkerSettings) {
		settingsErr = convert(s, map[string]any{
			"logLevel":   settings.LogLevel,
			"rtcMinPort": settings.RtcMinPort,
			"rtcMaxPort": settings.RtcMaxPort,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("spawn mediasoup worker: %w", err)
	}
	if settingsErr != nil {
		w.Close()
		return nil, fmt.Errorf("mediasoup worker settings: %w", settingsErr)
	}

	logger = logger.With("component", "mediasoup", "workerPid", w.Pid())
	logger.Info("mediasoup worker spawned", "bin", settings.Bin)
	return &Worker{worker: w, logger: logger}, nil
}

func (w *Worker) PID() int { return w.worker.Pid() }

func (w *Worker) CreateRouter(ctx context.Context, opts engine.RouterOptions) (engine.Router, error) {
	var options ms.RouterOptions
	if err := convert(&options, map[string]any{
		"mediaCodecs": opts.MediaCodecs,
		"appData":     opts.AppData,
	}); err != nil {
		return nil, err
	}
	router, err := w.worker.CreateRouter(&options)
	if err != nil {
		return nil, wrap("create router", err)
	}
	return newRouter(router, w.logger), nil
}

func (w *Worker) Close() { w.worker.Close() }

func (w *Worker) Closed() bool { return w.worker.Closed() }

// convert copies src into dst through their JSON encodings.
func convert(dst, src any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("mediasoup: encode %T: %w", src, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("mediasoup: decode %T: %w", dst, err)
	}
	return nil
}

// statsOf normalizes a GetStats result, which is a single object for some
// entities and a list for others.
func statsOf(v any, err error) ([]engine.Stats, error) {
	if err != nil {
		return nil, wrap("get stats", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mediasoup: encode stats: %w", err)
	}
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return []engine.Stats{}, nil
	}
	if len(data) > 0 && data[0] == '[' {
		var out []engine.Stats
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("mediasoup: decode stats: %w", err)
		}
		return out, nil
	}
	var one engine.Stats
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("mediasoup: decode stats: %w", err)
	}
	return []engine.Stats{one}, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("mediasoup: %s: %w", op, err)
}
