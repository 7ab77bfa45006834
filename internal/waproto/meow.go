package waproto

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"gorm.io/gorm"
)

// MeowDialer creates whatsmeow-backed connections. Devices are persisted
// in whatsmeow's own sqlstore, wrapped around the application's existing
// database handle so everything lives in one database. Tenant devices are
// located via a BusinessName marker.
type MeowDialer struct {
	container *sqlstore.Container
	mux       sync.Mutex
}

const tenantMarkerPrefix = "wg_tenant:"

func tenantMarker(number string) string {
	return tenantMarkerPrefix + number
}

// NewMeowDialer wraps the application's gorm handle so whatsmeow tables
// are created in the same database.
func NewMeowDialer(gdb *gorm.DB, dbType string) (*MeowDialer, error) {
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errors.Wrap(err, "waproto: failed to obtain underlying sql.DB")
	}

	driver := "sqlite3"
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "postgresql":
		driver = "postgres"
	case "sqlite", "sqlite3", "":
		driver = "sqlite3"
	}

	if driver == "sqlite3" {
		// some sqlite builds need the pragma per handle before migrations
		if _, err := sqlDB.ExecContext(context.Background(), "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("waproto: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}

	container := sqlstore.NewWithDB(sqlDB, driver, nil)
	if err := container.Upgrade(); err != nil {
		return nil, errors.Wrap(err, "waproto: sqlstore upgrade failed")
	}
	zap.L().Info("waproto: device store ready", zap.String("driver", driver))
	return &MeowDialer{container: container}, nil
}

// findDevice locates the tenant's persisted device by marker or JID user.
func (d *MeowDialer) findDevice(ctx context.Context, number string) (*store.Device, error) {
	devices, err := d.container.GetAllDevices()
	if err != nil {
		return nil, errors.Wrap(err, "waproto: list devices failed")
	}
	marker := tenantMarker(number)
	for _, dev := range devices {
		if dev == nil {
			continue
		}
		if dev.BusinessName == marker {
			return dev, nil
		}
		if dev.ID != nil && dev.ID.User == number {
			return dev, nil
		}
	}
	return nil, nil
}

func (d *MeowDialer) Dial(ctx context.Context, number string, saved *AuthState) (Conn, error) {
	d.mux.Lock()
	defer d.mux.Unlock()

	dev, err := d.findDevice(ctx, number)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		if saved != nil && saved.Creds.Registered {
			return nil, errors.Wrapf(ErrDeviceNotFound, "tenant %s", number)
		}
		dev = d.container.NewDevice()
		dev.BusinessName = tenantMarker(number)
		dev.PushName = "WhatsGate"
		zap.L().Info("waproto: created fresh device", zap.String("number", number))
	}

	client := whatsmeow.NewClient(dev, nil)
	return &meowConn{dialer: d, client: client, number: number}, nil
}

// Purge removes the tenant's persisted device, if any. Called when the
// stored session is deleted or remotely logged out.
func (d *MeowDialer) Purge(ctx context.Context, number string) error {
	d.mux.Lock()
	defer d.mux.Unlock()
	dev, err := d.findDevice(ctx, number)
	if err != nil || dev == nil {
		return err
	}
	if err := d.container.DeleteDevice(dev); err != nil {
		return errors.Wrap(err, "waproto: delete device failed")
	}
	zap.L().Info("waproto: purged device", zap.String("number", number))
	return nil
}

type meowConn struct {
	dialer  *MeowDialer
	client  *whatsmeow.Client
	number  string
	handler func(evt interface{})
}

var _ Conn = (*meowConn)(nil)

func (m *meowConn) OnEvent(handler func(evt interface{})) {
	m.handler = handler
	m.client.AddEventHandler(func(evt interface{}) {
		switch evt.(type) {
		case *events.Connected:
			m.emit(ConnectedEvent{})
			m.emit(CredentialsEvent{})
		case *events.PairSuccess:
			m.emit(CredentialsEvent{})
		case *events.LoggedOut:
			zap.L().Warn("waproto: remote logout", zap.String("number", m.number))
			if err := m.dialer.Purge(context.Background(), m.number); err != nil {
				zap.L().Warn("waproto: purge after logout failed", zap.Error(err))
			}
			m.emit(DisconnectedEvent{Reason: ReasonLoggedOut})
		case *events.StreamReplaced:
			m.emit(DisconnectedEvent{Reason: ReasonStreamReplaced})
		case *events.ConnectFailure:
			m.emit(DisconnectedEvent{Reason: ReasonNetwork})
		case *events.Disconnected:
			m.emit(DisconnectedEvent{Reason: ReasonNetwork})
		default:
			zap.L().Debug("waproto: event", zap.String("type", fmt.Sprintf("%T", evt)), zap.String("number", m.number))
		}
	})
}

func (m *meowConn) emit(evt interface{}) {
	if m.handler != nil {
		m.handler(evt)
	}
}

func (m *meowConn) Connect() error {
	return m.client.Connect()
}

func (m *meowConn) Disconnect() {
	m.client.Disconnect()
}

func (m *meowConn) Registered() bool {
	return m.client.Store.ID != nil
}

func (m *meowConn) RequestPairingCode(ctx context.Context, number string) (string, error) {
	code, err := m.client.PairPhone(number, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", errors.Wrap(err, "waproto: pairing code request failed")
	}
	return code, nil
}

func recipientJID(to string) (waTypes.JID, error) {
	if strings.ContainsRune(to, '@') {
		return waTypes.ParseJID(to)
	}
	return waTypes.NewJID(to, waTypes.DefaultUserServer), nil
}

func (m *meowConn) SendText(ctx context.Context, to string, text string) error {
	jid, err := recipientJID(to)
	if err != nil {
		return errors.Wrap(err, "waproto: invalid recipient")
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err = m.client.SendMessage(ctx, jid, msg); err != nil {
		return errors.Wrap(err, "waproto: send message failed")
	}
	return nil
}

func (m *meowConn) SendImage(ctx context.Context, to string, image []byte, caption string) error {
	jid, err := recipientJID(to)
	if err != nil {
		return errors.Wrap(err, "waproto: invalid recipient")
	}
	uploaded, err := m.client.Upload(ctx, image, whatsmeow.MediaImage)
	if err != nil {
		return errors.Wrap(err, "waproto: image upload failed")
	}
	msg := &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(http.DetectContentType(image)),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Caption:       proto.String(caption),
		},
	}
	if _, err = m.client.SendMessage(ctx, jid, msg); err != nil {
		return errors.Wrap(err, "waproto: send image failed")
	}
	return nil
}

// Snapshot surfaces the identity-level auth state. Signal key material
// stays in whatsmeow's sqlstore alongside the device record; the session
// row is the source of truth for whether a pairing exists and how old it
// is.
func (m *meowConn) Snapshot() *AuthState {
	st := NewAuthState()
	dev := m.client.Store
	if dev == nil {
		return st
	}
	st.Creds.Registered = dev.ID != nil
	if dev.ID != nil {
		st.Creds.JID = dev.ID.String()
	}
	st.Creds.RegistrationID = dev.RegistrationID
	st.Creds.Platform = dev.Platform
	st.Creds.PushName = dev.PushName
	st.Creds.AdvSecret = Blob(dev.AdvSecretKey)
	return st
}
