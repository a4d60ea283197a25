package prompt

import (
	"fmt"
	"io"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Status is a single spinner line that is replaced by a final message.
type Status struct {
	out  io.Writer
	msg  string
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartStatus draws msg with a spinner on out until Finish is called.
func StartStatus(out io.Writer, msg string) *Status {
	s := &Status{out: out, msg: msg, stop: make(chan struct{}), done: make(chan struct{})}
	go s.spin()
	return s
}

func (s *Status) spin() {
	defer close(s.done)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; ; i++ {
		_, _ = fmt.Fprintf(s.out, "\r\033[K%s %s", spinnerFrames[i%len(spinnerFrames)], s.msg)
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// Finish stops the spinner and leaves msg on the line. Only the first call has
// an effect.
func (s *Status) Finish(msg string) {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		_, _ = fmt.Fprintf(s.out, "\r\033[K%s\n", msg)
	})
}
