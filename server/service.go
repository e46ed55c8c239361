// service.go - Bus-Service: Socket, OpenSession und Modell-Aufloesung
//
// Dieses Modul enthaelt:
// - Service: der langlaufende Daemon hinter dem geteilten Bus
// - OpenSession: Pipe-Paar anlegen und Deskriptoren per SCM_RIGHTS
//   an den Client reichen
// - loadModel: (Name, Properties) -> Cache-Stream + Quantisierungsplan
//
// Pro OpenSession entstehen zwei OS-Pipes (Client->Server und
// Server->Client). Der Client bekommt sein Lese- und sein Schreibende
// als Out-of-Band-Deskriptoren; der Server bedient auf seinen Enden
// den privaten Endpunkt, so dass Streaming-Verkehr nie ueber den
// geteilten Bus laeuft.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/smspillaz/ggml-go/api"
	"github.com/smspillaz/ggml-go/envconfig"
	"github.com/smspillaz/ggml-go/ml"
	"github.com/smspillaz/ggml-go/model"
)

// ErrMaxQueue wird zurueckgegeben, wenn die Warteschlange voll ist
var ErrMaxQueue = errors.New("server busy, please try again. maximum pending requests exceeded")

// Service ist der Sprachmodell-Daemon
type Service struct {
	registry *Registry
	listener *net.UnixListener

	// pending begrenzt die gleichzeitig laufenden Anfragen ueber alle
	// Sessions (GGML_MAX_QUEUE); ein Slot wird pro Anfrage belegt und
	// nach der Antwort freigegeben
	pending chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService erstellt einen Service mit leerem Modell-Register
func NewService() *Service {
	srv := &Service{
		pending: make(chan struct{}, envconfig.MaxQueue()),
	}
	srv.registry = NewRegistry(srv.loadModel)
	return srv
}

// Registry gibt das Modell-Register des Service zurueck
func (srv *Service) Registry() *Registry {
	return srv.registry
}

// Serve bindet den Bus-Socket und bedient Verbindungen, bis ctx
// abgebrochen wird
func (srv *Service) Serve(ctx context.Context) error {
	srv.ctx, srv.cancel = context.WithCancel(ctx)
	defer srv.cancel()

	socketPath := envconfig.ServiceSocket()

	// Liegengebliebenen Socket eines frueheren Laufs entfernen
	if _, err := os.Stat(socketPath); err == nil {
		os.Remove(socketPath)
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return err
	}

	srv.listener = listener
	defer os.Remove(socketPath)

	PruneStaleDownloads()

	slog.Info("service listening", "socket", socketPath)
	for key, v := range envconfig.AsMap() {
		slog.Debug("config", "key", key, "value", v.Value)
	}

	var group errgroup.Group
	group.Go(func() error {
		<-srv.ctx.Done()
		listener.Close()
		return nil
	})

	if host := envconfig.Host(); host != "" {
		group.Go(func() error {
			return srv.serveDebugHTTP(host)
		})
	}

	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if srv.ctx.Err() != nil {
				break
			}

			slog.Warn("accept failed", "err", err)
			continue
		}

		go srv.serveBusConn(conn)
	}

	return group.Wait()
}

// Shutdown beendet den Service
func (srv *Service) Shutdown() {
	if srv.cancel != nil {
		srv.cancel()
	}
}

// serveBusConn bedient eine Bus-Verbindung: die einzige Methode ist
// OpenSession auf dem Service-Objekt
func (srv *Service) serveBusConn(conn *net.UnixConn) {
	defer conn.Close()

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}

	var req api.Request
	if err := json.Unmarshal(trimLine(buf[:n]), &req); err != nil {
		srv.replyBusError(conn, 0, api.NewError(api.KindInvalidArgument, "malformed request: %v", err))
		return
	}

	if req.Object != api.ServiceObject || req.Method != api.MethodOpenSession {
		srv.replyBusError(conn, req.ID, api.NewError(api.KindNotFound, "no method %s on %s", req.Method, req.Object))
		return
	}

	if err := srv.openSession(conn, req.ID); err != nil {
		slog.Warn("open session failed", "err", err)
		srv.replyBusError(conn, req.ID, toAPIError(err))
	}
}

func trimLine(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}

	return b
}

func (srv *Service) replyBusError(conn *net.UnixConn, id uint64, apiErr *api.Error) {
	line, err := json.Marshal(api.Response{ID: id, Error: apiErr})
	if err != nil {
		return
	}

	conn.Write(append(line, '\n'))
}

// openSession legt das Pipe-Paar an, schickt die Client-Deskriptoren
// als SCM_RIGHTS und startet die Session auf den Server-Enden
func (srv *Service) openSession(conn *net.UnixConn, id uint64) error {
	// client -> server
	var c2s, s2c [2]int
	if err := unix.Pipe2(c2s[:], unix.O_CLOEXEC); err != nil {
		return err
	}

	// server -> client
	if err := unix.Pipe2(s2c[:], unix.O_CLOEXEC); err != nil {
		unix.Close(c2s[0])
		unix.Close(c2s[1])
		return err
	}

	line, err := json.Marshal(api.Response{ID: id, Result: json.RawMessage(`{}`)})
	if err != nil {
		return err
	}

	// Client bekommt: sein Leseende (server->client) und sein
	// Schreibende (client->server)
	rights := unix.UnixRights(s2c[0], c2s[1])
	if _, _, err := conn.WriteMsgUnix(append(line, '\n'), rights, nil); err != nil {
		for _, fd := range []int{c2s[0], c2s[1], s2c[0], s2c[1]} {
			unix.Close(fd)
		}

		return err
	}

	// Die an den Client gereichten Enden lokal schliessen
	unix.Close(s2c[0])
	unix.Close(c2s[1])

	session := newSession(srv,
		os.NewFile(uintptr(c2s[0]), "session-read"),
		os.NewFile(uintptr(s2c[1]), "session-write"))

	go session.serve()
	return nil
}

// loadModel loest (Name, Properties) zu einem Cache-Stream samt
// Quantisierungsplan auf und laedt das Modell
func (srv *Service) loadModel(ctx context.Context, name string, props api.CompletionProperties) (*model.LanguageModel, error) {
	if name != "gpt2" {
		return nil, api.NewError(api.KindNotFound, "unknown model %q", name)
	}

	numParams := props.NumParams
	if numParams == "" {
		numParams = "117M"
	}

	plan, err := quantizationPlan(props.Quantization)
	if err != nil {
		return nil, err
	}

	lastLog := time.Now()
	stream, err := CachedModelStream(numParams, func(received, total uint64) {
		if time.Since(lastLog) > time.Second {
			lastLog = time.Now()
			slog.Info("download progress", "received", received, "total", total)
		}
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	loadCtx, cancel := context.WithTimeout(ctx, envconfig.LoadTimeout())
	defer cancel()

	return model.LoadFromStream(loadCtx, stream, plan)
}

// quantizationPlan bildet die quantization-Property auf einen
// On-Load-Quantisierungsplan ab
func quantizationPlan(quantization string) (*model.QuantizationPlan, error) {
	switch quantization {
	case "", "f16":
		// Datei-Standard; die vordefinierten Modelle sind bereits F16
		return nil, nil
	case "q4_0", "q4_1", "q5_0", "q5_1", "q8_0":
		dtype, err := ml.ParseDType(quantization)
		if err != nil {
			return nil, api.NewError(api.KindInvalidArgument, "unsupported quantization %q", quantization)
		}

		return &model.QuantizationPlan{Type: dtype, Include: model.DefaultQuantizeInclude}, nil
	default:
		return nil, api.NewError(api.KindInvalidArgument, "unsupported quantization %q", quantization)
	}
}
