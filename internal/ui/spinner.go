package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Spinner animates a waiting message on stderr so stdout stays clean for
// results printed while it runs
type Spinner struct {
	out      io.Writer
	frames   []string
	interval time.Duration

	mu      sync.Mutex
	message string
	width   int
	stopCh  chan struct{}
	doneCh  chan struct{}
	started time.Time
}

var defaultFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// NewSpinner creates a spinner writing to stderr
func NewSpinner(message string) *Spinner {
	return &Spinner{
		out:      os.Stderr,
		frames:   defaultFrames,
		interval: 80 * time.Millisecond,
		message:  message,
	}
}

// Start begins the animation; starting a running spinner does nothing
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.started = time.Now()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.spin(s.stopCh, s.doneCh)
}

func (s *Spinner) spin(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-stop:
			s.clear()
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		line := Color(Cyan, s.frames[i%len(s.frames)]) + " " + s.message
		if elapsed := time.Since(s.started); elapsed > 2*time.Second {
			line += fmt.Sprintf(" (%ds)", int(elapsed.Seconds()))
		}
		if n := visibleLength(line); n > s.width {
			s.width = n
		}
		s.mu.Unlock()
		fmt.Fprint(s.out, "\r"+line)
	}
}

func (s *Spinner) clear() {
	s.mu.Lock()
	width := s.width
	s.mu.Unlock()
	fmt.Fprintf(s.out, "\r%*s\r", width, "")
}

// Stop halts the animation and clears its line. Safe to call repeatedly.
func (s *Spinner) Stop() {
	s.mu.Lock()
	stop, done := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// SetMessage updates the message while running
func (s *Spinner) SetMessage(msg string) {
	s.mu.Lock()
	s.message = msg
	s.mu.Unlock()
}

// IsRunning reports whether the spinner is animating
func (s *Spinner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil
}
