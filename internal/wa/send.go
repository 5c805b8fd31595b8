package wa

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	busevents "outreach/internal/events"
	"outreach/internal/metrics"
	"outreach/internal/model"
)

// Content is one outbound unit: text and/or a media attachment by URL.
type Content struct {
	Text      string
	MediaURL  string
	MediaType string // image|video|document
}

// SendOptions carries provenance for the message record.
type SendOptions struct {
	Automated  bool
	RuleID     string
	CampaignID string
	Origin     string // manual|campaign|scheduled|autoreply
}

// Send sends one unit for an account. It fails with ErrNotConnected when no
// live connection exists and ErrDailyLimitExceeded when today's quota is
// spent; on success it appends a Message record and refreshes the Contact.
// Returns the network message ID.
func (p *Pool) Send(ctx context.Context, accountID, to string, content Content, opts SendOptions) (string, error) {
	sess := p.session(accountID)
	if sess == nil || sess.client.Store.ID == nil || !sess.client.IsConnected() {
		metrics.SendFailures.WithLabelValues("not_connected").Inc()
		return "", ErrNotConnected
	}

	acc, err := p.store.GetAccount(accountID)
	if err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}

	// Quota check and network send are serialized per account so the
	// dispatcher and the flusher cannot both consume the last slot.
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()

	today := time.Now().Format("2006-01-02")
	count, err := p.store.DailyCount(accountID, today)
	if err != nil {
		return "", fmt.Errorf("daily count: %w", err)
	}
	if limit := acc.Settings.DailyLimit; limit > 0 && count >= limit {
		metrics.SendFailures.WithLabelValues("daily_limit").Inc()
		return "", ErrDailyLimitExceeded
	}

	// TODO: enforce acc.Settings.SendHoursStart/End once the send-window
	// policy is defined; the settings are persisted but not applied yet.

	jid, err := toJID(to)
	if err != nil {
		return "", err
	}

	if acc.Settings.TypingSimulation {
		p.simulateTyping(ctx, sess, jid, content.Text)
	}

	msg, msgType, err := p.buildMessage(ctx, sess.client, content)
	if err != nil {
		metrics.SendFailures.WithLabelValues("transport").Inc()
		p.recordOutbound(sess, jid, content, msgType, opts, "", err)
		return "", fmt.Errorf("send failed: %w", err)
	}

	resp, err := sess.client.SendMessage(ctx, jid, msg)
	if err != nil {
		metrics.SendFailures.WithLabelValues("transport").Inc()
		p.recordOutbound(sess, jid, content, msgType, opts, "", err)
		return "", fmt.Errorf("send failed: %w", err)
	}

	if err := p.store.BumpDailyCount(accountID, today); err != nil {
		p.log.Warn().Err(err).Str("account_id", accountID).Msg("bump daily count")
	}
	metrics.MessagesSent.WithLabelValues(origin(opts)).Inc()
	p.recordOutbound(sess, jid, content, msgType, opts, resp.ID, nil)
	return resp.ID, nil
}

func origin(opts SendOptions) string {
	if opts.Origin != "" {
		return opts.Origin
	}
	return "manual"
}

// toJID resolves a phone number or JID string into a network address.
func toJID(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("parse JID: %w", err)
		}
		return jid, nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, to)
	if digits == "" {
		return types.JID{}, fmt.Errorf("invalid recipient %q", to)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// simulateTyping signals composing, waits a short randomized delay and signals
// paused. Best-effort: presence failures never abort the send.
func (p *Pool) simulateTyping(ctx context.Context, sess *session, jid types.JID, text string) {
	if err := sess.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText); err != nil {
		p.log.Debug().Err(err).Str("account_id", sess.accountID).Msg("presence composing")
		return
	}
	// 1-3s, stretched a little for longer texts
	delay := time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))
	if len(text) > 200 {
		delay += time.Second
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
	if err := sess.client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText); err != nil {
		p.log.Debug().Err(err).Str("account_id", sess.accountID).Msg("presence paused")
	}
}

// buildMessage assembles the wire message, uploading media by URL if present.
func (p *Pool) buildMessage(ctx context.Context, client *whatsmeow.Client, content Content) (*waProto.Message, string, error) {
	if content.MediaURL == "" {
		return &waProto.Message{Conversation: strptr(content.Text)}, "text", nil
	}
	data, mime, err := p.fetch(ctx, content.MediaURL)
	if err != nil {
		return nil, content.MediaType, err
	}
	length := uint64(len(data))
	caption := optstr(content.Text)
	switch content.MediaType {
	case "video":
		up, err := client.Upload(ctx, data, whatsmeow.MediaVideo)
		if err != nil {
			return nil, "video", fmt.Errorf("upload video: %w", err)
		}
		return &waProto.Message{VideoMessage: &waProto.VideoMessage{
			Caption:       caption,
			Mimetype:      optstr(mime),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}, "video", nil
	case "document":
		up, err := client.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return nil, "document", fmt.Errorf("upload document: %w", err)
		}
		return &waProto.Message{DocumentMessage: &waProto.DocumentMessage{
			Caption:       caption,
			Mimetype:      optstr(mime),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}, "document", nil
	default:
		up, err := client.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, "image", fmt.Errorf("upload image: %w", err)
		}
		return &waProto.Message{ImageMessage: &waProto.ImageMessage{
			Caption:       caption,
			Mimetype:      optstr(mime),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}, "image", nil
	}
}

func (p *Pool) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	res, err := p.httpc.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, "", fmt.Errorf("fetch %s: status %d", url, res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, "", err
	}
	ct := res.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return body, ct, nil
}

// recordOutbound appends the Message record and refreshes the Contact preview.
func (p *Pool) recordOutbound(sess *session, jid types.JID, content Content, msgType string, opts SendOptions, wireID string, sendErr error) {
	preview := short(content.Text)
	contactID, err := p.store.UpsertContact(sess.accountID, jid.String(), "", jid.User, preview, model.DirectionOut, time.Now())
	if err != nil {
		p.log.Warn().Err(err).Str("account_id", sess.accountID).Msg("upsert contact")
	}
	status := model.MessageSent
	errMsg := ""
	if sendErr != nil {
		status = model.MessageFailed
		errMsg = short(sendErr.Error())
	}
	m := &model.Message{
		AccountID:   sess.accountID,
		ContactID:   contactID,
		WireID:      wireID,
		Direction:   model.DirectionOut,
		Type:        msgType,
		Body:        content.Text,
		MediaURL:    content.MediaURL,
		Status:      status,
		Error:       errMsg,
		IsAutomated: opts.Automated,
		CampaignID:  opts.CampaignID,
		RuleID:      opts.RuleID,
	}
	if err := p.store.InsertMessage(m); err != nil {
		p.log.Warn().Err(err).Str("account_id", sess.accountID).Msg("insert message")
	}
	if sendErr == nil {
		p.bus.Publish(busevents.Event{
			Type:     busevents.TypeMessageSent,
			TenantID: sess.tenantID,
			Payload:  map[string]any{"account_id": sess.accountID, "contact_id": contactID, "message": m},
		})
	}
}

// handleInbound records an inbound message, notifies listeners and consults
// the rule engine for an autoreply.
func (p *Pool) handleInbound(sess *session, evt *events.Message) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return
	}
	text := extractText(evt.Message)
	chat := evt.Info.Chat
	sender := evt.Info.Sender
	metrics.MessagesReceived.Inc()

	contactID, err := p.store.UpsertContact(sess.accountID, chat.String(), evt.Info.PushName, sender.User,
		short(text), model.DirectionIn, evt.Info.Timestamp)
	if err != nil {
		p.log.Warn().Err(err).Str("account_id", sess.accountID).Msg("upsert contact")
		return
	}
	m := &model.Message{
		AccountID: sess.accountID,
		ContactID: contactID,
		WireID:    evt.Info.ID,
		Direction: model.DirectionIn,
		Type:      "text",
		Body:      text,
		Status:    model.MessageDelivered,
		Timestamp: evt.Info.Timestamp,
	}
	if err := p.store.InsertMessage(m); err != nil {
		p.log.Warn().Err(err).Str("account_id", sess.accountID).Msg("insert inbound message")
	}
	p.bus.Publish(busevents.Event{
		Type:     busevents.TypeMessageArrived,
		TenantID: sess.tenantID,
		Payload:  map[string]any{"account_id": sess.accountID, "contact_id": contactID, "message": m},
	})

	// Autoreplies apply to direct chats only; group traffic is recorded but
	// never answered automatically.
	if p.responder == nil || text == "" || chat.Server != types.DefaultUserServer {
		return
	}
	contact, err := p.store.GetContact(sess.accountID, chat.String())
	if err != nil {
		p.log.Warn().Err(err).Str("account_id", sess.accountID).Msg("load contact")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	reply, ruleID, ok := p.responder.Evaluate(ctx, sess.accountID, sess.tenantID, contact, text)
	if !ok {
		return
	}
	if _, err := p.Send(ctx, sess.accountID, chat.String(), Content{Text: reply},
		SendOptions{Automated: true, RuleID: ruleID, Origin: "autoreply"}); err != nil {
		p.log.Warn().Err(err).Str("account_id", sess.accountID).Str("rule_id", ruleID).Msg("autoreply send")
	}
}

// handleReceipt applies network delivery/read receipts to message and
// recipient records. Status only moves forward.
func (p *Pool) handleReceipt(sess *session, evt *events.Receipt) {
	var status string
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		status = model.MessageDelivered
	case types.ReceiptTypeRead:
		status = model.MessageRead
	default:
		return
	}
	for _, id := range evt.MessageIDs {
		if err := p.store.AdvanceMessageStatus(sess.accountID, id, status); err != nil {
			p.log.Warn().Err(err).Str("account_id", sess.accountID).Msg("advance message status")
		}
		if err := p.store.AdvanceRecipientStatus(id, status); err != nil {
			p.log.Warn().Err(err).Str("account_id", sess.accountID).Msg("advance recipient status")
		}
	}
}

// extractText pulls text content out of the supported message types.
func extractText(msg *waProto.Message) string {
	switch {
	case msg.Conversation != nil:
		return *msg.Conversation
	case msg.ExtendedTextMessage != nil && msg.ExtendedTextMessage.Text != nil:
		return *msg.ExtendedTextMessage.Text
	case msg.ImageMessage != nil && msg.ImageMessage.Caption != nil:
		return *msg.ImageMessage.Caption
	case msg.VideoMessage != nil && msg.VideoMessage.Caption != nil:
		return *msg.VideoMessage.Caption
	case msg.DocumentMessage != nil && msg.DocumentMessage.Caption != nil:
		return *msg.DocumentMessage.Caption
	default:
		return ""
	}
}

func short(s string) string {
	if len(s) <= 128 {
		return s
	}
	return s[:128]
}

func strptr(s string) *string { return &s }

func optstr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
