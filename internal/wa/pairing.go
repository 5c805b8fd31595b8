package wa

import (
	"context"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"

	busevents "outreach/internal/events"
)

// PairWithCode produces a number-based pairing code (Link with phone number)
// for an unpaired account. Connect is issued once; the QR websocket is kept on
// a background context so it survives the caller's request lifetime.
func (p *Pool) PairWithCode(ctx context.Context, accountID, msisdn string) (string, error) {
	sess, err := p.ensureSession(ctx, accountID)
	if err != nil {
		return "", err
	}
	if sess.client.Store.ID != nil {
		return "", ErrAlreadyPaired
	}

	qrChan, _ := sess.client.GetQRChannel(context.Background())
	if !sess.client.IsConnected() {
		go func() {
			if err := sess.client.Connect(); err != nil {
				p.log.Error().Err(err).Str("account_id", accountID).Msg("pairing connect")
			}
		}()
	}

	// Wait for the initial QR event or a short delay so the socket is ready
	// before PairPhone.
	select {
	case <-qrChan:
	case <-time.After(time.Second):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	code, err := sess.client.PairPhone(ctx, msisdn, false, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", err
	}
	p.bus.Publish(busevents.Event{
		Type:     busevents.TypePairingCode,
		TenantID: sess.tenantID,
		Payload:  map[string]any{"account_id": accountID, "code": code},
	})
	p.log.Info().Str("account_id", accountID).Int("code_len", len(code)).Msg("pairing code issued")
	return code, nil
}

// PairQR connects an unpaired account and returns the first QR code as a PNG
// plus its raw payload.
func (p *Pool) PairQR(ctx context.Context, accountID string) ([]byte, string, error) {
	sess, err := p.ensureSession(ctx, accountID)
	if err != nil {
		return nil, "", err
	}
	if sess.client.Store.ID != nil {
		return nil, "", ErrAlreadyPaired
	}

	qrChan, _ := sess.client.GetQRChannel(context.Background())
	if !sess.client.IsConnected() {
		go func() {
			if err := sess.client.Connect(); err != nil {
				p.log.Error().Err(err).Str("account_id", accountID).Msg("pairing connect")
			}
		}()
	}

	for {
		select {
		case item, ok := <-qrChan:
			if !ok {
				return nil, "", ErrNotPaired
			}
			if item.Event == "code" && item.Code != "" {
				png, err := qrcode.Encode(item.Code, qrcode.Medium, 256)
				if err != nil {
					return nil, "", err
				}
				return png, item.Code, nil
			}
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
}
