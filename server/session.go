// session.go - Session-Objekt auf dem privaten Endpunkt
//
// Dieses Modul enthaelt:
// - Session: Cursor-Buendel einer Client-Verbindung
// - Frame-Dispatch fuer CreateCompletion/Exec/Terminate
// - Chunk-Streaming ueber die Outbox-Queue
//
// Die Endpunkt-Threads fuehren nie selbst einen Forward-Pass aus:
// jedes Exec laeuft auf einer eigenen Worker-Goroutine und schiebt
// Chunks in die Outbox; eine einzelne Writer-Goroutine (das
// Main-Loop-Gegenstueck) serialisiert alle Frames auf die Pipe.
// Dadurch kommt die Exec-Antwort garantiert nach allen Chunks, die sie
// produziert hat. Anfragen belegen einen Slot der prozessweiten
// Warteschlange (GGML_MAX_QUEUE); ist sie voll, antwortet der Server
// sofort mit ErrMaxQueue.
package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/smspillaz/ggml-go/api"
	"github.com/smspillaz/ggml-go/envconfig"
	"github.com/smspillaz/ggml-go/fs/ggml"
	"github.com/smspillaz/ggml-go/runner"
)

// maxFrameSize begrenzt die Laenge einer Frame-Zeile
const maxFrameSize = 8 * 1024 * 1024

// outboxDepth ist die Kapazitaet der Outbox-Queue einer Session
const outboxDepth = 256

// Session buendelt die Cursor einer einzelnen Client-Verbindung
type Session struct {
	id  string
	srv *Service

	r *os.File
	w *os.File

	outbox chan *api.Frame

	mu      sync.Mutex
	cursors map[string]*cursorObject
	serial  uint64

	requests sync.WaitGroup
}

type cursorObject struct {
	path   string
	cursor *runner.Cursor
	ref    *ModelRef
}

func newSession(srv *Service, r, w *os.File) *Session {
	return &Session{
		id:      uuid.NewString(),
		srv:     srv,
		r:       r,
		w:       w,
		outbox:  make(chan *api.Frame, outboxDepth),
		cursors: make(map[string]*cursorObject),
	}
}

// serve bedient die Session bis zum Verbindungsende und raeumt danach
// alle Cursor ab
func (s *Session) serve() {
	slog.Info("session opened", "session", s.id)

	writerDone := make(chan struct{})
	go s.writeLoop(writerDone)

	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var frame api.Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			slog.Warn("discarding malformed frame", "session", s.id, "err", err)
			continue
		}

		if !frame.IsRequest() {
			continue
		}

		// Backpressure: jede Anfrage belegt einen Slot der
		// prozessweiten Warteschlange. Terminate ist ausgenommen,
		// damit ein Client einen laufenden Exec immer abbrechen kann.
		var slot bool
		if frame.Method != api.MethodTerminate {
			select {
			case s.srv.pending <- struct{}{}:
				slot = true
			default:
				s.respondError(frame.ID, ErrMaxQueue)
				continue
			}
		}

		s.requests.Add(1)
		go func() {
			defer func() {
				if slot {
					<-s.srv.pending
				}

				s.requests.Done()
			}()

			s.dispatch(&frame)
		}()
	}

	// Client-Disconnect: laufende Execs abbrechen, Cursor abbauen,
	// Modell-Referenzen freigeben
	s.teardown()
	s.requests.Wait()

	close(s.outbox)
	<-writerDone

	s.w.Close()
	s.r.Close()
	slog.Info("session closed", "session", s.id)
}

// writeLoop serialisiert alle ausgehenden Frames auf die Pipe
func (s *Session) writeLoop(done chan<- struct{}) {
	defer close(done)

	w := bufio.NewWriter(s.w)
	for frame := range s.outbox {
		line, err := json.Marshal(frame)
		if err != nil {
			continue
		}

		if _, err := w.Write(append(line, '\n')); err != nil {
			// Gegenseite weg; Frames weiter entleeren, damit die
			// Worker nicht blockieren
			continue
		}

		w.Flush()
	}
}

func (s *Session) send(frame *api.Frame) {
	defer func() {
		// Outbox kann beim Teardown bereits geschlossen sein
		_ = recover()
	}()

	s.outbox <- frame
}

func (s *Session) respond(id uint64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.respondError(id, api.NewError(api.KindInternal, "encoding result: %v", err))
		return
	}

	s.send(&api.Frame{ID: id, Result: raw})
}

func (s *Session) respondError(id uint64, err error) {
	s.send(&api.Frame{ID: id, Error: toAPIError(err)})
}

// toAPIError bildet interne Fehler auf IPC-Fehlerkinds ab
func toAPIError(err error) *api.Error {
	var apiErr *api.Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, ErrMaxQueue):
		return api.NewError(api.KindBusy, "%v", err)
	case errors.Is(err, ggml.ErrFormat):
		return api.NewError(api.KindFormatError, "%v", err)
	case errors.Is(err, runner.ErrSpent):
		return api.NewError(api.KindSpent, "%v", err)
	case errors.Is(err, runner.ErrCancelled):
		return api.NewError(api.KindCancelled, "%v", err)
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return api.NewError(api.KindIO, "%v", err)
	default:
		return api.NewError(api.KindInternal, "%v", err)
	}
}

func (s *Session) dispatch(frame *api.Frame) {
	switch {
	case frame.Object == api.SessionObject && frame.Method == api.MethodCreateCompletion:
		s.handleCreateCompletion(frame)
	case len(frame.Object) > len(api.CompletionPrefix) && frame.Object[:len(api.CompletionPrefix)] == api.CompletionPrefix:
		s.dispatchCursor(frame)
	default:
		s.respondError(frame.ID, api.NewError(api.KindNotFound, "no method %s on %s", frame.Method, frame.Object))
	}
}

// decodeParams dekodiert Parameter strikt: unbekannte Schluessel sind
// invalid-argument
func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return api.NewError(api.KindInvalidArgument, "invalid parameters: %v", err)
	}

	return nil
}

func (s *Session) handleCreateCompletion(frame *api.Frame) {
	var params api.CreateCompletionParams
	if err := decodeParams(frame.Params, &params); err != nil {
		s.respondError(frame.ID, err)
		return
	}

	if params.MaxTokens < 0 {
		s.respondError(frame.ID, api.NewError(api.KindInvalidArgument, "max_tokens must not be negative"))
		return
	}

	path, err := s.createCompletion(&params)
	if err != nil {
		s.respondError(frame.ID, err)
		return
	}

	s.respond(frame.ID, api.CreateCompletionResult{Path: path})
}

func (s *Session) createCompletion(params *api.CreateCompletionParams) (string, error) {
	ref, err := s.srv.registry.Acquire(s.srv.ctx, params.Model, params.Properties)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.serial++
	path := api.CompletionPrefix + strconv.FormatUint(s.serial, 10)

	cursor := runner.NewCursor(ref.LM, params.Prompt, params.MaxTokens, nil, envconfig.NumThreads(), ref.Release)
	s.cursors[path] = &cursorObject{path: path, cursor: cursor, ref: ref}

	slog.Debug("cursor created", "session", s.id, "path", path, "model", params.Model, "max_tokens", params.MaxTokens)
	return path, nil
}

func (s *Session) dispatchCursor(frame *api.Frame) {
	s.mu.Lock()
	obj := s.cursors[frame.Object]
	s.mu.Unlock()

	if obj == nil {
		s.respondError(frame.ID, api.NewError(api.KindSpent, "no cursor at %s", frame.Object))
		return
	}

	switch frame.Method {
	case api.MethodExec:
		s.handleExec(frame, obj)
	case api.MethodTerminate:
		s.removeCursor(frame.Object)
		obj.cursor.Terminate()
		s.respond(frame.ID, struct{}{})
	default:
		s.respondError(frame.ID, api.NewError(api.KindNotFound, "no method %s on %s", frame.Method, frame.Object))
	}
}

func (s *Session) handleExec(frame *api.Frame, obj *cursorObject) {
	var params api.ExecParams
	if err := decodeParams(frame.Params, &params); err != nil {
		s.respondError(frame.ID, err)
		return
	}

	var eos bool
	completion, err := obj.cursor.ExecStream(params.NumTokens, params.ChunkSize, func(chunk runner.Chunk) {
		eos = eos || chunk.EOS
		s.send(&api.Frame{
			Signal:   api.SignalChunk,
			Object:   obj.path,
			Text:     chunk.Text,
			Complete: chunk.Complete,
		})
	})

	if err != nil {
		s.respondError(frame.ID, err)
		return
	}

	s.respond(frame.ID, api.ExecResult{Completion: completion, EOS: eos})
}

func (s *Session) removeCursor(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, path)
}

// teardown terminiert alle Cursor der Session (Client-Disconnect)
func (s *Session) teardown() {
	s.mu.Lock()
	cursors := make([]*cursorObject, 0, len(s.cursors))
	for _, obj := range s.cursors {
		cursors = append(cursors, obj)
	}
	s.cursors = make(map[string]*cursorObject)
	s.mu.Unlock()

	for _, obj := range cursors {
		obj.cursor.Terminate()
	}
}
