// Package fetch reads counter snapshots, player lists and memory usage from
// a running game server.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"codeberg.org/mutker/svmetrics/internal/errors"
	"codeberg.org/mutker/svmetrics/internal/logger"
	"codeberg.org/mutker/svmetrics/internal/perf"
	"github.com/c2h5oh/datasize"
	"github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	perfPath    = "/perf/"
	playersPath = "/players.json"

	maxErrorBody = 512
)

// Client talks to the server's HTTP endpoint and to the OS process table.
type Client struct {
	http *http.Client
	log  logger.Logger
}

func New(timeout time.Duration, log logger.Logger) *Client {
	return &Client{
		http: &http.Client{Timeout: timeout},
		log:  log.With("fetch"),
	}
}

// FetchPerf returns the current cumulative tick-time counters of all
// monitored threads.
func (c *Client) FetchPerf(ctx context.Context, endpoint string) (*perf.RawData, error) {
	errFactory := errors.New()

	body, err := c.get(ctx, endpoint, perfPath)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := ParsePerf(body)
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidPerfData, err)
	}

	return data, nil
}

// FetchPlayerCount returns the length of the server's public player list.
func (c *Client) FetchPlayerCount(ctx context.Context, endpoint string) (int, error) {
	errFactory := errors.New()

	body, err := c.get(ctx, endpoint, playersPath)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	var players []json.RawMessage
	if err := json.NewDecoder(body).Decode(&players); err != nil {
		return 0, errFactory.Wrap(ErrInvalidPlayers, err)
	}

	return len(players), nil
}

// FetchMemory returns the resident memory of pid in megabytes.
func (c *Client) FetchMemory(ctx context.Context, pid int32) (float64, error) {
	errFactory := errors.New()

	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, errFactory.Wrap(ErrProcessMemory, err)
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, errFactory.Wrap(ErrProcessMemory, err)
	}

	c.log.Debug().
		Int32("pid", pid).
		Str("rss", datasize.ByteSize(info.RSS).HumanReadable()).
		Msg("Read server memory")

	return BytesToMB(info.RSS), nil
}

// BytesToMB converts a byte count to megabytes rounded to two decimals.
func BytesToMB(b uint64) float64 {
	mb := float64(b) / float64(datasize.MB)
	return math.Round(mb*100) / 100
}

func (c *Client) get(ctx context.Context, endpoint, path string) (io.ReadCloser, error) {
	errFactory := errors.New()

	url, err := endpointURL(endpoint, path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errFactory.Wrap(ErrRequestFailed, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errFactory.Wrap(ErrRequestFailed, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, errFactory.WithData(ErrBadStatus, struct {
			URL    string
			Status string
			Body   string
		}{
			URL:    url,
			Status: resp.Status,
			Body:   strings.TrimSpace(string(b)),
		})
	}

	return resp.Body, nil
}

func endpointURL(endpoint, path string) (string, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return "", errors.New().New(ErrEmptyEndpoint)
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}

	return fmt.Sprintf("%s%s", endpoint, path), nil
}
