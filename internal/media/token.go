package media

import (
	"errors"
	"log/slog"
	"time"

	lkauth "github.com/livekit/protocol/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JohnLrp/Shiksha-files-backend/internal/model"
)

// ErrNotConfigured means the LiveKit endpoint or credentials are missing.
// Callers surface it as service-unavailable, never as a client error.
var ErrNotConfigured = errors.New("livekit credentials not configured")

var tokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "livekit_tokens_issued_total",
	Help: "LiveKit access tokens issued, by role.",
}, []string{"role"})

// Issuer builds scoped LiveKit access tokens. This is the only place the
// API key and secret are used; they never appear in any response body.
type Issuer struct {
	url       string
	apiKey    string
	apiSecret string
	ttl       time.Duration
	log       *slog.Logger
}

func NewIssuer(url, apiKey, apiSecret string, ttl time.Duration, log *slog.Logger) *Issuer {
	if log == nil {
		log = slog.Default()
	}
	return &Issuer{url: url, apiKey: apiKey, apiSecret: apiSecret, ttl: ttl, log: log}
}

func (i *Issuer) Configured() bool {
	return i.url != "" && i.apiKey != "" && i.apiSecret != ""
}

func (i *Issuer) URL() string { return i.url }

// IssueToken signs a time-boxed LiveKit token for user in roomName. The
// token identity is the durable user id, never the username or email.
// Returns the signed JWT and whether the grant carries publish rights.
func (i *Issuer) IssueToken(user model.User, roomName string) (string, bool, error) {
	if !i.Configured() {
		return "", false, ErrNotConfigured
	}

	grant, err := ComputeGrant(user.Role, roomName)
	if err != nil {
		return "", false, err
	}

	at := lkauth.NewAccessToken(i.apiKey, i.apiSecret).
		SetIdentity(user.ID).
		SetName(user.Username).
		SetValidFor(i.ttl).
		AddGrant(videoGrant(grant))

	token, err := at.ToJWT()
	if err != nil {
		return "", false, err
	}

	i.log.Info("livekit token issued",
		"user_id", user.ID,
		"role", user.Role,
		"room", roomName,
		"ttl_seconds", int(i.ttl.Seconds()),
	)
	tokensIssued.WithLabelValues(string(user.Role)).Inc()

	return token, grant.CanPublish, nil
}

func videoGrant(grant Grant) *lkauth.VideoGrant {
	return &lkauth.VideoGrant{
		RoomJoin:          true,
		Room:              grant.Room,
		RoomAdmin:         grant.RoomAdmin,
		RoomRecord:        grant.RoomRecord,
		CanPublish:        boolPtr(grant.CanPublish),
		CanPublishData:    boolPtr(grant.CanPublishData),
		CanSubscribe:      boolPtr(grant.CanSubscribe),
		CanPublishSources: grant.PublishableSources,
	}
}

func boolPtr(b bool) *bool { return &b }
