package workflow

import (
	"fmt"
	"strings"
	"time"

	"cmms/api/internal/placeholder"
)

// SigningPolicy decides which signature levels an actor may sign.
type SigningPolicy string

const (
	// PolicyExact lets an actor sign only the slot of their own level.
	PolicyExact SigningPolicy = "exact"
	// PolicyAtLeast lets an actor sign any slot at or below their level.
	PolicyAtLeast SigningPolicy = "at-least"
)

func ParsePolicy(value string) (SigningPolicy, error) {
	switch SigningPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", PolicyExact:
		return PolicyExact, nil
	case PolicyAtLeast:
		return PolicyAtLeast, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, value)
	}
}

func (p SigningPolicy) Allows(actorLevel, slotLevel int) bool {
	if p == PolicyAtLeast {
		return actorLevel >= slotLevel
	}
	return actorLevel == slotLevel
}

// DefaultDateLayout renders signing dates as month/day/year.
const DefaultDateLayout = "01/02/2006"

// Gate applies the signing rules to a session.
type Gate struct {
	Policy     SigningPolicy
	DateLayout string
	Now        func() time.Time
}

func NewGate(policy SigningPolicy, dateLayout string) *Gate {
	if dateLayout == "" {
		dateLayout = DefaultDateLayout
	}
	return &Gate{Policy: policy, DateLayout: dateLayout, Now: time.Now}
}

func (g *Gate) CanSign(actor Actor, level int) bool {
	return g.Policy.Allows(actor.SignatoryLevel, level)
}

// Sign fills the signature slot key with the actor's signature reference and
// stamps the companion name, designation and date fields of that level.
// Levels sign in ascending order. Signing a slot the actor already signed is
// a no-op and reports false.
func (g *Gate) Sign(s *Session, actor Actor, key string) (bool, error) {
	if s.ReadOnly {
		return false, ErrReadOnly
	}
	tok := placeholder.Parse(key)
	if tok.Kind != placeholder.KindSignature {
		return false, fmt.Errorf("%w: %s", ErrNotSignatureField, key)
	}
	if !s.Has(key) {
		return false, fmt.Errorf("%w: %s", ErrUnknownPlaceholder, key)
	}
	if !g.CanSign(actor, tok.Level) {
		return false, fmt.Errorf("%w: level %d cannot sign %s", ErrSignatoryLevel, actor.SignatoryLevel, key)
	}
	if s.Values[key] != "" {
		if s.heldBy(key, actor) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrSignatureConflict, key)
	}
	if first := s.unsignedBelow(tok.Level); first != "" {
		return false, fmt.Errorf("%w: %s must be signed before %s", ErrSignatureOrder, first, key)
	}
	if actor.Signature == "" {
		return false, ErrNoSignatureOnFile
	}

	s.Values[key] = actor.Signature
	if s.Signers == nil {
		s.Signers = map[string]string{}
	}
	s.Signers[key] = actor.UID
	stamp := map[string]string{
		placeholder.NameToken(tok.Level):        actor.FullName,
		placeholder.DesignationToken(tok.Level): actor.Designation,
		placeholder.DateToken(tok.Level):        g.now().Format(g.DateLayout),
	}
	for field, value := range stamp {
		if s.Has(field) {
			s.Values[field] = value
		}
	}
	return true, nil
}

func (g *Gate) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// Field is one placeholder as the form renderer sees it.
type Field struct {
	Key      string           `json:"key"`
	Label    string           `json:"label"`
	Kind     placeholder.Kind `json:"kind"`
	Row      int              `json:"row,omitempty"`
	Level    int              `json:"level,omitempty"`
	Value    string           `json:"value"`
	Visible  bool             `json:"visible"`
	Editable bool             `json:"editable"`
	Signable bool             `json:"signable"`
}

// Fields renders the session for actor in placeholder order.
func (g *Gate) Fields(s *Session, actor Actor) []Field {
	frozen := s.ReadOnly || s.OtherLevelSigned(actor.SignatoryLevel)
	fields := make([]Field, 0, len(s.Placeholders))
	for _, key := range s.Placeholders {
		tok := placeholder.Parse(key)
		field := Field{
			Key:     key,
			Label:   placeholder.Label(key),
			Kind:    tok.Kind,
			Row:     tok.Row,
			Level:   tok.Level,
			Value:   s.Values[key],
			Visible: s.IsVisible(key),
		}
		switch tok.Kind {
		case placeholder.KindSignature:
			field.Signable = !s.ReadOnly && field.Value == "" && g.CanSign(actor, tok.Level) && s.unsignedBelow(tok.Level) == ""
		case placeholder.KindScalar, placeholder.KindRow:
			field.Editable = !frozen
			if level, ok := placeholder.CompanionLevel(key); ok && s.signed(level) {
				field.Editable = false
			}
		}
		fields = append(fields, field)
	}
	return fields
}
