package inject

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// CommandInjector types transcript text into the focused application by
// piping each delta to an external tool such as wtype or xdotool. Calls are
// fire-and-forget, but deltas are queued through a single worker so they
// reach the tool in the order they were injected.
type CommandInjector struct {
	argv   []string
	logger zerolog.Logger
	run    func(argv []string, stdin string) error

	queue chan string
	done  chan struct{}
	once  sync.Once
}

// NewCommandInjector creates an injector for the given argv. The first
// element is the command, the rest its arguments; text is written to stdin.
func NewCommandInjector(argv []string, logger zerolog.Logger) (*CommandInjector, error) {
	return newCommandInjector(argv, logger, runCommand)
}

func newCommandInjector(argv []string, logger zerolog.Logger, run func([]string, string) error) (*CommandInjector, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("injection command must not be empty")
	}

	inj := &CommandInjector{
		argv:   argv,
		logger: logger.With().Str("component", "inject").Logger(),
		run:    run,
		queue:  make(chan string, 64),
		done:   make(chan struct{}),
	}
	go inj.worker()
	return inj, nil
}

func runCommand(argv []string, stdin string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(stdin)
	return cmd.Run()
}

func (inj *CommandInjector) worker() {
	defer close(inj.done)

	for text := range inj.queue {
		if err := inj.run(inj.argv, text); err != nil {
			// A failed delta is dropped, not retried: retyping it later
			// would land out of order in the focused application.
			inj.logger.Warn().Err(err).Str("command", inj.argv[0]).Msg("Text injection failed")
		}
	}
}

// Inject implements session.Injector. It queues the text and returns; a full
// queue drops the delta rather than stalling the session loop.
func (inj *CommandInjector) Inject(text string) {
	if text == "" {
		return
	}
	select {
	case inj.queue <- text:
	default:
		inj.logger.Warn().Int("queued", len(inj.queue)).Msg("Injection queue full, dropping delta")
	}
}

// Reset implements session.Injector. Deltas never carry across a session
// boundary, so there is no per-session state to clear; the queue itself is
// left to drain.
func (inj *CommandInjector) Reset() {}

// Close stops the worker after the queued deltas have drained.
func (inj *CommandInjector) Close() {
	inj.once.Do(func() {
		close(inj.queue)
	})
	<-inj.done
}
