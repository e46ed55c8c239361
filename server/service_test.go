// service_test.go - Ende-zu-Ende-Tests ueber Bus und privaten Endpunkt
//
// Die Tests starten den echten Service auf einem Unix-Socket in einem
// Temp-Verzeichnis und sprechen ihn ueber die Client-Bibliothek an.
// Als Modell dient eine Null-Gewichts-Datei im Model-Cache, so dass
// kein Netz noetig ist.
package server

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smspillaz/ggml-go/api"
	"github.com/smspillaz/ggml-go/fs/ggml"
)

// writeTinyModelFile legt die Null-Gewichts-Modelldatei als 117M-Cache
// an. Token 0 ist "ab"; der Argmax auf Null-Logits waehlt es immer.
func writeTinyModelFile(t *testing.T, dir string) {
	t.Helper()

	hp := &ggml.Hyperparameters{
		NumVocab: 4,
		NumCtx:   512,
		NumEmbd:  32,
		NumHead:  4,
		NumLayer: 4,
		FileType: int32(ggml.FileTypeF32),
	}

	var buf bytes.Buffer
	enc := ggml.NewEncoder(&buf)
	if err := enc.WriteHeader(hp, []string{"ab", "bc", "c", "d"}); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "ggml-model-gpt-2-117M.bin"), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

// startTestService startet den Service auf einem frischen Socket und
// gibt ihn samt Socket-Pfad zurueck
func startTestService(t *testing.T) (*Service, string) {
	t.Helper()

	dir := t.TempDir()
	socket := filepath.Join(dir, "bus.sock")
	writeTinyModelFile(t, dir)

	t.Setenv("GGML_SERVICE_SOCKET", socket)
	t.Setenv("GGML_MODELS", dir)

	srv := NewService()
	srv.registry.keepAlive = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Auf den Socket warten
	for i := 0; i < 100; i++ {
		if _, err := os.Stat(socket); err == nil {
			return srv, socket
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("service socket did not appear")
	return nil, ""
}

func openTestSession(t *testing.T, socket string) *api.Session {
	t.Helper()

	client, err := api.NewClientFromSocket(socket)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })

	session, err := client.OpenSession()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { session.Close() })

	return session
}

// TestStreamingCompletion prueft Szenario "Streaming concatenation":
// die Konkatenation aller Chunks ergibt Prompt plus Vervollstaendigung
// und es gibt mindestens zwei Chunk-Nachrichten nach dem Prompt-Chunk
func TestStreamingCompletion(t *testing.T) {
	_, socket := startTestService(t)
	session := openTestSession(t, socket)

	cursor, err := session.StartCompletion("gpt2", api.CompletionProperties{NumParams: "117M"}, "ab", 16)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var texts []string
	completion, err := cursor.ExecStream(7, 4, func(text string, complete bool) {
		mu.Lock()
		texts = append(texts, text)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	if completion != strings.Repeat("ab", 7) {
		t.Errorf("erwartet 7x\"ab\", bekommen %q", completion)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(texts) < 3 {
		t.Fatalf("erwartet Prompt-Chunk plus mindestens 2 weitere, bekommen %d", len(texts))
	}

	if got := strings.Join(texts, ""); got != "ab"+completion {
		t.Errorf("Chunk-Konkatenation %q != %q", got, "ab"+completion)
	}
}

// TestExecOnSpentCursor prueft den Spent-Fehler an der IPC-Oberflaeche
func TestExecOnSpentCursor(t *testing.T) {
	_, socket := startTestService(t)
	session := openTestSession(t, socket)

	cursor, err := session.StartCompletion("gpt2", api.CompletionProperties{NumParams: "117M"}, "ab", 4)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := cursor.Exec(1); err != nil {
		t.Fatal(err)
	}

	if _, err := cursor.Exec(1); !api.IsKind(err, api.KindSpent) {
		t.Errorf("erwartet spent, bekommen %v", err)
	}
}

// TestUnknownModel prueft den NotFound-Fehler
func TestUnknownModel(t *testing.T) {
	_, socket := startTestService(t)
	session := openTestSession(t, socket)

	if _, err := session.StartCompletion("llama", api.CompletionProperties{}, "x", 4); !api.IsKind(err, api.KindNotFound) {
		t.Errorf("erwartet not-found, bekommen %v", err)
	}
}

// TestUnsupportedQuantization prueft den InvalidArgument-Fehler
func TestUnsupportedQuantization(t *testing.T) {
	_, socket := startTestService(t)
	session := openTestSession(t, socket)

	props := api.CompletionProperties{NumParams: "117M", Quantization: "q2_k"}
	if _, err := session.StartCompletion("gpt2", props, "x", 4); !api.IsKind(err, api.KindInvalidArgument) {
		t.Errorf("erwartet invalid-argument, bekommen %v", err)
	}
}

// TestModelDedupAcrossSessions prueft Szenario "Model dedup": zwei
// Sessions teilen sich einen Register-Eintrag mit use_count 2
func TestModelDedupAcrossSessions(t *testing.T) {
	srv, socket := startTestService(t)

	sessionA := openTestSession(t, socket)
	sessionB := openTestSession(t, socket)

	props := api.CompletionProperties{NumParams: "117M", Quantization: "q4_0"}

	var wg sync.WaitGroup
	cursors := make([]*api.CursorProxy, 2)
	for i, session := range []*api.Session{sessionA, sessionB} {
		wg.Add(1)
		go func() {
			defer wg.Done()

			cursor, err := session.StartCompletion("gpt2", props, "ab", 4)
			if err != nil {
				t.Error(err)
				return
			}

			cursors[i] = cursor
		}()
	}
	wg.Wait()

	loaded := srv.Registry().Loaded()
	if len(loaded) != 1 || loaded[0].UseCount != 2 {
		t.Fatalf("erwartet 1 Eintrag mit use_count 2, bekommen %+v", loaded)
	}

	// Beide Cursor funktionieren
	for _, cursor := range cursors {
		if cursor == nil {
			t.Fatal("cursor fehlt")
		}

		if _, err := cursor.Exec(1); err != nil {
			t.Fatal(err)
		}
	}

	// Terminate senkt den use_count
	cursors[0].Terminate()

	deadline := time.Now().Add(2 * time.Second)
	for {
		loaded = srv.Registry().Loaded()
		if len(loaded) == 1 && loaded[0].UseCount == 1 {
			break
		}

		if time.Now().After(deadline) {
			t.Fatalf("use_count nach Terminate: %+v", loaded)
		}

		time.Sleep(10 * time.Millisecond)
	}
}

// TestTerminateDuringExec prueft Szenario "Cancellation": Terminate
// waehrend eines laufenden Exec liefert Cancelled und gibt die
// Modell-Referenz frei
func TestTerminateDuringExec(t *testing.T) {
	srv, socket := startTestService(t)
	session := openTestSession(t, socket)

	cursor, err := session.StartCompletion("gpt2", api.CompletionProperties{NumParams: "117M"}, "ab", 100000)
	if err != nil {
		t.Fatal(err)
	}

	firstChunk := make(chan struct{}, 1)
	execErr := make(chan error, 1)
	go func() {
		_, err := cursor.ExecStream(100000, 1, func(string, bool) {
			select {
			case firstChunk <- struct{}{}:
			default:
			}
		})
		execErr <- err
	}()

	// Sobald die Generierung laeuft, terminieren
	select {
	case <-firstChunk:
	case <-time.After(10 * time.Second):
		t.Fatal("kein Chunk angekommen")
	}

	cursor.Terminate()

	select {
	case err := <-execErr:
		if !api.IsKind(err, api.KindCancelled) {
			t.Errorf("erwartet cancelled, bekommen %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Exec kam nach Terminate nicht zurueck")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		loaded := srv.Registry().Loaded()
		if len(loaded) == 1 && loaded[0].UseCount == 0 {
			break
		}

		if time.Now().After(deadline) {
			t.Fatalf("use_count nach Cancel: %+v", loaded)
		}

		time.Sleep(10 * time.Millisecond)
	}
}

// TestMaxQueueBackpressure prueft die Warteschlangen-Grenze: ein
// laufendes Exec belegt den einzigen Slot, weitere Anfragen werden
// sofort mit busy abgewiesen, Terminate geht trotzdem durch
func TestMaxQueueBackpressure(t *testing.T) {
	t.Setenv("GGML_MAX_QUEUE", "1")

	_, socket := startTestService(t)
	session := openTestSession(t, socket)

	cursor, err := session.StartCompletion("gpt2", api.CompletionProperties{NumParams: "117M"}, "ab", 100000)
	if err != nil {
		t.Fatal(err)
	}

	firstChunk := make(chan struct{}, 1)
	execErr := make(chan error, 1)
	go func() {
		_, err := cursor.ExecStream(100000, 1, func(string, bool) {
			select {
			case firstChunk <- struct{}{}:
			default:
			}
		})
		execErr <- err
	}()

	select {
	case <-firstChunk:
	case <-time.After(10 * time.Second):
		t.Fatal("kein Chunk angekommen")
	}

	// Der Exec-Slot ist belegt: CreateCompletion wird abgewiesen
	if _, err := session.StartCompletion("gpt2", api.CompletionProperties{NumParams: "117M"}, "ab", 4); !api.IsKind(err, api.KindBusy) {
		t.Errorf("erwartet busy, bekommen %v", err)
	}

	// Terminate ist von der Warteschlange ausgenommen
	cursor.Terminate()

	select {
	case err := <-execErr:
		if !api.IsKind(err, api.KindCancelled) {
			t.Errorf("erwartet cancelled, bekommen %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Exec kam nach Terminate nicht zurueck")
	}

	// Slot wieder frei: die naechste Anfrage geht durch. Die Freigabe
	// laeuft asynchron zur Exec-Antwort, daher kurz nachfassen.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := session.StartCompletion("gpt2", api.CompletionProperties{NumParams: "117M"}, "ab", 4)
		if err == nil {
			return
		}

		if !api.IsKind(err, api.KindBusy) || time.Now().After(deadline) {
			t.Fatalf("nach Freigabe erwartet Erfolg, bekommen %v", err)
		}

		time.Sleep(10 * time.Millisecond)
	}
}

// TestSessionDisconnectReleasesCursors prueft den Aufraeum-Pfad beim
// Verbindungsabbruch
func TestSessionDisconnectReleasesCursors(t *testing.T) {
	srv, socket := startTestService(t)
	session := openTestSession(t, socket)

	if _, err := session.StartCompletion("gpt2", api.CompletionProperties{NumParams: "117M"}, "ab", 4); err != nil {
		t.Fatal(err)
	}

	session.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		loaded := srv.Registry().Loaded()
		if len(loaded) == 1 && loaded[0].UseCount == 0 {
			return
		}

		if time.Now().After(deadline) {
			t.Fatalf("use_count nach Disconnect: %+v", loaded)
		}

		time.Sleep(10 * time.Millisecond)
	}
}
