// Package forward re-posts accepted statements to downstream record stores.
// Delivery is fire and forget: a failed target is logged and never blocks
// or fails the original request.
package forward

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/inokufu/ralph/internal/config"
	"github.com/inokufu/ralph/internal/xapi"
)

type target struct {
	url      string
	username string
	password string
	client   *retryablehttp.Client
}

// Forwarder fans accepted statements out to every configured target.
type Forwarder struct {
	targets []target
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func New(cfgs []config.ForwardTarget, logger *zap.Logger) *Forwarder {
	f := &Forwarder{logger: logger}
	for _, cfg := range cfgs {
		client := retryablehttp.NewClient()
		client.Logger = nil
		if cfg.MaxRetries > 0 {
			client.RetryMax = cfg.MaxRetries
		}
		if cfg.Timeout > 0 {
			client.HTTPClient.Timeout = cfg.Timeout
		} else {
			client.HTTPClient.Timeout = 10 * time.Second
		}
		f.targets = append(f.targets, target{
			url:      cfg.URL,
			username: cfg.Username,
			password: cfg.Password,
			client:   client,
		})
	}
	return f
}

// Notify schedules delivery of the statements to every target and returns
// immediately.
func (f *Forwarder) Notify(statements []xapi.Statement) {
	if len(statements) == 0 || len(f.targets) == 0 {
		return
	}
	payload, err := json.Marshal(statements)
	if err != nil {
		f.logger.Error("encode forwarded statements", zap.Error(err))
		return
	}
	for _, t := range f.targets {
		f.wg.Add(1)
		go func(t target) {
			defer f.wg.Done()
			f.send(t, payload, len(statements))
		}(t)
	}
}

func (f *Forwarder) send(t target, payload []byte, count int) {
	req, err := retryablehttp.NewRequest("POST", t.url, bytes.NewReader(payload))
	if err != nil {
		f.logger.Error("build forward request", zap.String("url", t.url), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if t.username != "" {
		req.SetBasicAuth(t.username, t.password)
	}
	res, err := t.client.Do(req)
	if err != nil {
		f.logger.Error("forward statements", zap.String("url", t.url), zap.Error(err))
		return
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		f.logger.Error("forward statements rejected",
			zap.String("url", t.url),
			zap.Int("status", res.StatusCode))
		return
	}
	f.logger.Info("forwarded statements",
		zap.String("url", t.url),
		zap.Int("count", count))
}

// Close waits for in-flight deliveries to finish.
func (f *Forwarder) Close() {
	f.wg.Wait()
}
