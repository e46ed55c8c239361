// client.go - Client-Bibliothek: Verbindung und Session-Aufbau
//
// Dieses Modul enthaelt:
// - Client: Verbindung zum geteilten Bus
// - OpenSession: Pipe-Deskriptoren empfangen und privaten Endpunkt bauen
//
// Der Client spiegelt das Server-Objektmodell: Session- und
// Cursor-Proxys uebersetzen Methodenaufrufe in Frames auf dem privaten
// Endpunkt. Stream-Methoden sind in client_stream.go.
package api

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smspillaz/ggml-go/envconfig"
)

// defaultCallTimeout ist das Timeout fuer alle Methoden ausser Exec
const defaultCallTimeout = 30 * time.Second

// Client ist eine Verbindung zum geteilten Bus des Service
type Client struct {
	conn *net.UnixConn
}

// NewClient verbindet sich mit dem Bus-Socket aus der Umgebung
func NewClient() (*Client, error) {
	return NewClientFromSocket(envconfig.ServiceSocket())
}

// NewClientFromSocket verbindet sich mit dem Bus-Socket unter path
func NewClientFromSocket(path string) (*Client, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("connecting to service bus: %w", err)
	}

	return &Client{conn: conn}, nil
}

// Close schliesst die Bus-Verbindung
func (c *Client) Close() error {
	return c.conn.Close()
}

// OpenSession fordert eine neue Session an. Der Service antwortet mit
// zwei Pipe-Deskriptoren (Lese- und Schreibende) als
// Out-of-Band-Daten; darueber laeuft der private Endpunkt.
func (c *Client) OpenSession() (*Session, error) {
	req := Request{ID: 1, Object: ServiceObject, Method: MethodOpenSession}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("requesting session: %w", err)
	}

	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(2*4))

	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("receiving session reply: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(trimLine(buf[:n]), &resp); err != nil {
		return nil, fmt.Errorf("decoding session reply: %w", err)
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, err
	}

	if len(fds) != 2 {
		return nil, fmt.Errorf("expected 2 pipe descriptors, got %d", len(fds))
	}

	endpoint := newEndpoint(os.NewFile(uintptr(fds[0]), "session-read"), os.NewFile(uintptr(fds[1]), "session-write"))
	return &Session{endpoint: endpoint}, nil
}

func trimLine(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}

	return b
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing control messages: %w", err)
	}

	var fds []int
	for _, msg := range msgs {
		got, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}

		fds = append(fds, got...)
	}

	return fds, nil
}

// Session ist der Proxy fuer das Session-Objekt auf dem privaten
// Endpunkt
type Session struct {
	endpoint *endpoint
}

// Close schliesst den privaten Endpunkt. Der Service raeumt daraufhin
// alle Cursor dieser Session ab.
func (s *Session) Close() error {
	return s.endpoint.close()
}

// StartCompletion erstellt einen Completion-Cursor fuer das Modell und
// den Prompt und gibt dessen Proxy zurueck
func (s *Session) StartCompletion(model string, properties CompletionProperties, prompt string, maxTokens int32) (*CursorProxy, error) {
	params := CreateCompletionParams{
		Model:      model,
		Properties: properties,
		Prompt:     prompt,
		MaxTokens:  maxTokens,
	}

	raw, err := s.endpoint.call(SessionObject, MethodCreateCompletion, params, defaultCallTimeout)
	if err != nil {
		return nil, err
	}

	var result CreateCompletionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding completion path: %w", err)
	}

	return &CursorProxy{session: s, path: result.Path}, nil
}
