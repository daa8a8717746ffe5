// spinner.go implements the ASCII spinner shown while relpack waits on a long step.
package ui

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// StartSpinner animates message on w until the returned stop function is
// called, then prints "[done]" or "[fail]". Writers that are not terminals only
// get the final line.
func StartSpinner(w io.Writer, message string) func(success bool) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	if IsTerminal(w) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			frames := []rune{'|', '/', '-', '\\'}
			ticker := time.NewTicker(120 * time.Millisecond)
			defer ticker.Stop()
			for idx := 0; ; idx = (idx + 1) % len(frames) {
				select {
				case <-done:
					fmt.Fprintf(w, "\r%s  \r", message)
					return
				case <-ticker.C:
					fmt.Fprintf(w, "\r%s %c", message, frames[idx])
				}
			}
		}()
	}
	var once sync.Once
	return func(success bool) {
		once.Do(func() {
			close(done)
			wg.Wait()
			status := "[done]"
			if !success {
				status = "[fail]"
			}
			fmt.Fprintf(w, "%s %s\n", message, status)
		})
	}
}
