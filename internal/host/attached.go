package host

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/svmetrics/internal/config"
	"codeberg.org/mutker/svmetrics/internal/errors"
	"codeberg.org/mutker/svmetrics/internal/logger"
)

const (
	infoPath = "/info.json"

	closeReasonExited = "Server process exited"
)

// PlayerCounter reads the online player count from a server endpoint.
type PlayerCounter interface {
	FetchPlayerCount(ctx context.Context, endpoint string) (int, error)
}

type AttachedOptions struct {
	PID          int32
	Endpoint     string
	ConfigState  config.ConfigState
	ProbeTimeout time.Duration
	Players      PlayerCounter
	Events       Events
	Logger       logger.Logger
}

// Attached watches a game server process that was started outside
// svmetrics. It implements Monitor, Runner, PlayerList and ConfigSource.
// Poll refreshes the cached status and reports boot and close transitions
// to Events.
type Attached struct {
	pid      int32
	endpoint string
	players  PlayerCounter
	events   Events
	log      logger.Logger
	procs    processTable
	http     *http.Client
	now      func() time.Time

	mu      sync.Mutex
	state   config.ConfigState
	health  Health
	started time.Time
	alive   bool
	booted  bool
	killed  bool
}

func NewAttached(opts AttachedOptions) *Attached {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	state := opts.ConfigState
	if !state.IsValid() {
		state = config.ConfigStateReady
	}

	return &Attached{
		pid:      opts.PID,
		endpoint: opts.Endpoint,
		players:  opts.Players,
		events:   opts.Events,
		log:      log.With("host"),
		procs:    osProcesses{},
		http:     &http.Client{Timeout: timeout},
		now:      time.Now,
		state:    state,
	}
}

func (a *Attached) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{Health: a.health}
	if a.alive && !a.started.IsZero() {
		st.Uptime = a.now().Sub(a.started)
	}

	return st
}

func (a *Attached) Child() (Child, bool) {
	if a.pid <= 0 {
		return Child{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return Child{PID: a.pid, Endpoint: a.endpoint, Alive: a.alive}, true
}

func (a *Attached) IsIdle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return !a.alive || a.killed
}

func (a *Attached) KillServer(ctx context.Context, reason string) error {
	errFactory := errors.New()

	if a.pid <= 0 {
		return errFactory.New(ErrNoProcess)
	}

	a.log.Warn().
		Int32("pid", a.pid).
		Str("reason", reason).
		Msg("Killing server process")

	if err := a.procs.Kill(ctx, a.pid); err != nil {
		return errFactory.Wrap(ErrKillFailed, err)
	}

	a.mu.Lock()
	a.killed = true
	a.mu.Unlock()

	return nil
}

func (a *Attached) OnlineCount(ctx context.Context) (int, error) {
	if a.players == nil {
		return 0, nil
	}

	return a.players.FetchPlayerCount(ctx, a.endpoint)
}

func (a *Attached) ConfigState() config.ConfigState {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

// SetConfigState updates the setup state, for instance after a config
// reload.
func (a *Attached) SetConfigState(state config.ConfigState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = state
}

// Poll probes the process and its HTTP endpoint once.
func (a *Attached) Poll(ctx context.Context) {
	var (
		alive   bool
		started time.Time
		err     error
	)
	if a.pid > 0 {
		alive, started, err = a.procs.Lookup(ctx, a.pid)
		if err != nil {
			a.log.Debug().Err(err).Int32("pid", a.pid).Msg("Process lookup failed")
		}
	}

	health := HealthOffline
	if alive {
		health = HealthPartial
		if a.answers(ctx) {
			health = HealthOnline
		}
	}

	a.mu.Lock()
	prev := a.health
	a.health = health
	a.alive = alive
	if alive && !started.IsZero() {
		a.started = started
	}
	bootTime := a.now().Sub(a.started)
	booted := health == HealthOnline && !a.booted
	closed := health == HealthOffline && prev != HealthOffline
	if booted {
		a.booted = true
	}
	if closed {
		a.booted = false
		a.killed = false
		a.started = time.Time{}
	}
	a.mu.Unlock()

	if prev != health {
		a.log.Info().
			Str("from", prev.String()).
			Str("to", health.String()).
			Msg("Server health changed")
	}

	if a.events == nil {
		return
	}
	switch {
	case booted:
		a.events.OnBoot(bootTime)
	case closed:
		a.events.OnClose(closeReasonExited)
	}
}

// Run polls until ctx is cancelled.
func (a *Attached) Run(ctx context.Context, interval time.Duration) {
	a.Poll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Poll(ctx)
		}
	}
}

func (a *Attached) answers(ctx context.Context) bool {
	url := a.endpoint
	if url == "" {
		return false
	}
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	url = fmt.Sprintf("%s%s", strings.TrimRight(url, "/"), infoPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	return resp.StatusCode/100 == 2
}
