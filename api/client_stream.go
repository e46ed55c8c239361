// client_stream.go - Privater Endpunkt und Stream-Methoden
//
// Dieses Modul enthaelt:
// - endpoint: NDJSON-Duplex ueber das Pipe-Paar, Antwort-Korrelation
//   ueber Ids, Signal-Verteilung pro Objekt-Pfad
// - CursorProxy: Exec mit Chunk-Streaming und Terminate
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// maxFrameSize begrenzt die Laenge einer Frame-Zeile
const maxFrameSize = 8 * 1024 * 1024

type endpoint struct {
	r *os.File
	w *os.File

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan *Frame
	handlers map[string]func(text string, complete bool)
	err      error
	closed   chan struct{}
}

func newEndpoint(r, w *os.File) *endpoint {
	e := &endpoint{
		r:        r,
		w:        w,
		pending:  make(map[uint64]chan *Frame),
		handlers: make(map[string]func(string, bool)),
		closed:   make(chan struct{}),
	}

	go e.readLoop()
	return e
}

// readLoop liest Frames und verteilt sie: Antworten an den wartenden
// Aufrufer, Chunk-Signale an den Handler des Objekt-Pfads
func (e *endpoint) readLoop() {
	scanner := bufio.NewScanner(e.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		var frame Frame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}

		switch {
		case frame.IsSignal():
			e.mu.Lock()
			handler := e.handlers[frame.Object]
			e.mu.Unlock()

			if handler != nil {
				handler(frame.Text, frame.Complete)
			}
		case frame.ID != 0:
			e.mu.Lock()
			ch := e.pending[frame.ID]
			delete(e.pending, frame.ID)
			e.mu.Unlock()

			if ch != nil {
				ch <- &frame
			}
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.ErrClosedPipe
	}

	e.fail(err)
}

// fail beendet alle wartenden Aufrufe mit err
func (e *endpoint) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return
	}

	e.err = err
	close(e.closed)

	for id, ch := range e.pending {
		delete(e.pending, id)
		close(ch)
	}
}

func (e *endpoint) close() error {
	e.fail(io.ErrClosedPipe)
	e.w.Close()
	return e.r.Close()
}

func (e *endpoint) subscribe(object string, fn func(string, bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[object] = fn
}

func (e *endpoint) unsubscribe(object string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, object)
}

// call sendet einen Request und wartet auf die Antwort. timeout 0
// bedeutet unbegrenzt (Exec kann beliebig lange laufen).
func (e *endpoint) call(object, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	e.mu.Lock()
	if e.err != nil {
		e.mu.Unlock()
		return nil, e.err
	}

	e.nextID++
	id := e.nextID
	ch := make(chan *Frame, 1)
	e.pending[id] = ch
	e.mu.Unlock()

	req := Request{ID: id, Object: object, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}

		req.Params = raw
	}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	e.writeMu.Lock()
	_, err = e.w.Write(append(line, '\n'))
	e.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case frame, ok := <-ch:
		if !ok {
			return nil, e.err
		}

		if frame.Error != nil {
			return nil, frame.Error
		}

		return frame.Result, nil
	case <-timeoutCh:
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, fmt.Errorf("%s timed out after %s", method, timeout)
	case <-e.closed:
		return nil, e.err
	}
}

// CursorProxy ist der Proxy fuer ein Completion-Objekt
type CursorProxy struct {
	session *Session
	path    string

	terminated sync.Once
}

// Path gibt den Objekt-Pfad des Cursors zurueck
func (c *CursorProxy) Path() string {
	return c.path
}

// ExecStream fuehrt die Vervollstaendigung aus und ruft onChunk fuer
// jeden gestreamten Chunk auf (einschliesslich des initialen
// Prompt-Durchreichens). Zurueckgegeben wird die fertige
// Vervollstaendigung ohne Prompt. Ein Cursor ist nach ExecStream
// verbraucht.
func (c *CursorProxy) ExecStream(numTokens, chunkSize int32, onChunk func(text string, complete bool)) (string, error) {
	if onChunk != nil {
		c.session.endpoint.subscribe(c.path, onChunk)
		defer c.session.endpoint.unsubscribe(c.path)
	}

	raw, err := c.session.endpoint.call(c.path, MethodExec, ExecParams{NumTokens: numTokens, ChunkSize: chunkSize}, 0)
	if err != nil {
		return "", err
	}

	var result ExecResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decoding completion: %w", err)
	}

	return result.Completion, nil
}

// Exec fuehrt die Vervollstaendigung ohne Chunk-Callback aus
func (c *CursorProxy) Exec(numTokens int32) (string, error) {
	return c.ExecStream(numTokens, 0, nil)
}

// Terminate gibt den Cursor auf dem Server frei. Mehrfache Aufrufe
// sind wirkungslos.
func (c *CursorProxy) Terminate() {
	c.terminated.Do(func() {
		// Best-effort: Fehler beim Terminieren sind nicht zu retten
		_, _ = c.session.endpoint.call(c.path, MethodTerminate, nil, defaultCallTimeout)
	})
}
