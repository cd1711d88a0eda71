package media

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JohnLrp/Shiksha-files-backend/internal/model"
)

const (
	testKey    = "APItestkey"
	testSecret = "livekit-test-secret-livekit-test"
)

func newTestIssuer() *Issuer {
	return NewIssuer("wss://test.livekit.cloud", testKey, testSecret, 30*time.Minute, nil)
}

func TestIssueTokenNotConfigured(t *testing.T) {
	issuer := NewIssuer("", "", "", time.Hour, nil)
	_, _, err := issuer.IssueToken(model.User{ID: "u1", Role: model.RoleStudent}, "math-101")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestIssueTokenUnknownRole(t *testing.T) {
	issuer := newTestIssuer()
	_, _, err := issuer.IssueToken(model.User{ID: "u1", Role: model.Role("admin")}, "math-101")
	if !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestIssueTokenTeacher(t *testing.T) {
	issuer := newTestIssuer()
	user := model.User{ID: "teacher-id-1", Username: "prof", Role: model.RoleTeacher}

	token, isTeacher, err := issuer.IssueToken(user, "math-101")
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}
	if !isTeacher {
		t.Fatalf("expected privileged flag for teacher")
	}

	video := decodeVideoGrant(t, token, user.ID)
	for _, key := range []string{"canPublish", "canPublishData", "canSubscribe", "roomAdmin", "roomRecord", "roomJoin"} {
		if !videoBool(video, key) {
			t.Fatalf("expected %s=true in grant %v", key, video)
		}
	}
	if video["room"] != "math-101" {
		t.Fatalf("expected room math-101, got %v", video["room"])
	}
	sources, _ := video["canPublishSources"].([]interface{})
	if len(sources) != 3 {
		t.Fatalf("expected 3 publish sources, got %v", video["canPublishSources"])
	}
}

func TestIssueTokenStudent(t *testing.T) {
	issuer := newTestIssuer()
	user := model.User{ID: "student-id-1", Username: "pupil", Role: model.RoleStudent}

	token, isTeacher, err := issuer.IssueToken(user, "math-101")
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}
	if isTeacher {
		t.Fatalf("expected non-privileged flag for student")
	}

	video := decodeVideoGrant(t, token, user.ID)
	for _, key := range []string{"canPublish", "canPublishData", "roomAdmin", "roomRecord"} {
		if videoBool(video, key) {
			t.Fatalf("expected %s=false in grant %v", key, video)
		}
	}
	if !videoBool(video, "canSubscribe") {
		t.Fatalf("expected student to subscribe, grant %v", video)
	}
	if sources, ok := video["canPublishSources"].([]interface{}); ok && len(sources) != 0 {
		t.Fatalf("expected empty publish sources, got %v", sources)
	}
}

// decodeVideoGrant verifies the signature with the shared secret and pulls
// out the embedded video grant claim.
func decodeVideoGrant(t *testing.T, tokenString, wantIdentity string) map[string]interface{} {
	t.Helper()

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if !token.Valid {
		t.Fatalf("expected valid token")
	}
	if sub, _ := claims["sub"].(string); sub != wantIdentity {
		t.Fatalf("expected subject %s, got %v", wantIdentity, claims["sub"])
	}
	if iss, _ := claims["iss"].(string); iss != testKey {
		t.Fatalf("expected issuer %s, got %v", testKey, claims["iss"])
	}

	video, ok := claims["video"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected video grant claim, got %v", claims)
	}
	return video
}

func videoBool(video map[string]interface{}, key string) bool {
	value, _ := video[key].(bool)
	return value
}
