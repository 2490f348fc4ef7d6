package vpn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shadowroute/vpnshop/internal/clock"
	dominv "github.com/shadowroute/vpnshop/internal/domain/inventory"
	domoutbox "github.com/shadowroute/vpnshop/internal/domain/outbox"
	dompay "github.com/shadowroute/vpnshop/internal/domain/payment"
	"github.com/shadowroute/vpnshop/internal/observability"
	"github.com/shadowroute/vpnshop/internal/vpnconfig"
)

var ErrNoProfile = errors.New("vpn: no profile for payment")

// Profile is a provisioned OpenVPN client bundle for one confirmed payment.
type Profile struct {
	PaymentID   string
	UserID      string
	Location    string
	Address     string
	Credentials vpnconfig.Credentials
	Config      string
	IssuedAt    time.Time
}

// Provisioner listens for confirmed payments and turns each into a ready
// client profile. Profiles are kept in memory; losing them on restart only
// costs the user a re-download after the next confirmation, never the lease.
type Provisioner struct {
	pool dominv.Repository
	clk  clock.Clock
	log  observability.Logger

	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewProvisioner(pool dominv.Repository, clk clock.Clock, tel observability.Observability) *Provisioner {
	baseLog := observability.NopLogger()
	if tel != nil {
		baseLog = tel.Logger()
	}
	return &Provisioner{
		pool:     pool,
		clk:      clk,
		log:      baseLog.With(observability.F("component", "vpn_provisioner")),
		profiles: make(map[string]*Profile),
	}
}

// Register wires the provisioner into the event bus.
func (p *Provisioner) Register(sub domoutbox.Subscriber) {
	sub.Subscribe("payment.confirmed", p.handleConfirmed)
}

func (p *Provisioner) handleConfirmed(ctx context.Context, e domoutbox.Event) error {
	ev, ok := e.(dompay.ConfirmedEvent)
	if !ok {
		return fmt.Errorf("vpn: unexpected event type %T", e)
	}

	// The event names the allocated unit; its address is the exit IP the
	// client profile points at.
	unit, err := p.pool.Get(ctx, ev.UnitID)
	if err != nil {
		return fmt.Errorf("vpn: resolve unit %s for payment %s: %w", ev.UnitID, ev.PaymentID, err)
	}

	creds, err := newCredentials(ev.UserID)
	if err != nil {
		return fmt.Errorf("vpn: credentials for payment %s: %w", ev.PaymentID, err)
	}
	config, err := vpnconfig.Render(ev.Location, unit.Address, creds)
	if err != nil {
		return fmt.Errorf("vpn: render profile for payment %s: %w", ev.PaymentID, err)
	}

	profile := &Profile{
		PaymentID:   ev.PaymentID,
		UserID:      ev.UserID,
		Location:    ev.Location,
		Address:     unit.Address,
		Credentials: creds,
		Config:      config,
		IssuedAt:    p.clk.Now(),
	}

	p.mu.Lock()
	p.profiles[ev.PaymentID] = profile
	p.mu.Unlock()

	p.log.Info("profile_provisioned",
		observability.F("payment_id", ev.PaymentID),
		observability.F("user_id", ev.UserID),
		observability.F("location", ev.Location),
	)
	return nil
}

// Profile returns the provisioned bundle for a payment, checked against the
// requesting user.
func (p *Provisioner) Profile(paymentID, userID string) (*Profile, error) {
	p.mu.RLock()
	profile, ok := p.profiles[paymentID]
	p.mu.RUnlock()
	if !ok || profile.UserID != userID {
		return nil, ErrNoProfile
	}
	clone := *profile
	return &clone, nil
}

func newCredentials(userID string) (vpnconfig.Credentials, error) {
	suffix := userID
	if i := strings.IndexByte(suffix, '-'); i > 0 {
		suffix = suffix[:i]
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return vpnconfig.Credentials{}, err
	}
	return vpnconfig.Credentials{
		Username: "vpn-" + suffix,
		Password: hex.EncodeToString(buf),
	}, nil
}
