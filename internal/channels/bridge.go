package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/stewardbot/steward/internal/bus"
	"github.com/stewardbot/steward/internal/config"
)

// BridgeChannel delivers notifications to an external connector over HTTP.
// The connector owns the platform-specific transport; we post a small JSON
// envelope and treat any non-2xx status as a failed attempt. Bridges with a
// listen address also accept inbound messages from the connector.
type BridgeChannel struct {
	BaseChannel
	config config.BridgeConfig
	client *http.Client

	listener net.Listener
	server   *http.Server
}

func NewBridgeChannel(cfg config.BridgeConfig, messageBus *bus.MessageBus) *BridgeChannel {
	return &BridgeChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
		client:      http.DefaultClient,
	}
}

func (c *BridgeChannel) Name() string { return c.config.Name }

// Start exposes the inbound webhook when the bridge has a listen address.
// Outbound-only bridges have nothing to start.
func (c *BridgeChannel) Start(ctx context.Context) error {
	addr := strings.TrimSpace(c.config.ListenAddr)
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge %s listen: %w", c.config.Name, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/inbound", c.handleInbound)
	c.listener = ln
	c.server = &http.Server{Handler: mux}
	go func() { _ = c.server.Serve(ln) }()
	return nil
}

func (c *BridgeChannel) Stop() error {
	if c.server == nil {
		return nil
	}
	return c.server.Close()
}

// InboundAddr returns the bound webhook address, empty for outbound-only
// bridges.
func (c *BridgeChannel) InboundAddr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

func (c *BridgeChannel) Send(ctx context.Context, address, content string) error {
	body, _ := json.Marshal(map[string]any{
		"channel": c.config.Name,
		"chat_id": strings.TrimSpace(address),
		"content": content,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := strings.TrimSpace(c.config.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bridge %s status: %d", c.config.Name, resp.StatusCode)
	}
	return nil
}

func (c *BridgeChannel) handleInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !c.verifyBearer(r) {
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return
	}
	var in struct {
		SenderID string `json:"sender_id"`
		ChatID   string `json:"chat_id"`
		ThreadID string `json:"thread_id"`
		Text     string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(in.ChatID) == "" || strings.TrimSpace(in.Text) == "" {
		http.Error(w, "chat_id and text required", http.StatusBadRequest)
		return
	}
	threadID := strings.TrimSpace(in.ThreadID)
	if threadID == "" {
		threadID = strings.TrimSpace(in.ChatID)
	}
	c.HandleInbound(c.config.Name, in.SenderID, in.ChatID, threadID, in.Text)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func (c *BridgeChannel) verifyBearer(r *http.Request) bool {
	expected := strings.TrimSpace(c.config.Token)
	if expected == "" {
		return true
	}
	got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	return got == expected
}
