package key

import (
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"
	dkg "github.com/drand/kyber/share/dkg/pedersen"
)

// Share represents the private information that a node holds after a
// successful DKG. This information MUST stay private !
type Share dkg.DistKeyShare

// Public returns the distributed public polynomial associated with this
// share. It is identical on every honest member of the committee.
func (s *Share) Public() *DistPublic {
	return &DistPublic{Coefficients: s.Commits}
}

// PriShare returns the private share used to produce partial signatures.
func (s *Share) PriShare() *share.PriShare {
	return s.Share
}

// Valid checks the share against the public polynomial: s_i * G must equal
// the polynomial evaluated at the share index. A failure means the persisted
// state is corrupt.
func (s *Share) Valid() bool {
	if s.Share == nil || len(s.Commits) == 0 {
		return false
	}
	expected := s.Public().Eval(s.Share.I)
	actual := Suite.Point().Mul(s.Share.V, nil)
	return expected.Equal(actual)
}

// TOML returns a TOML-compatible version of this share.
func (s *Share) TOML() interface{} {
	dtoml := &ShareTOML{}
	dtoml.Commits = make([]string, len(s.Commits))
	for i, c := range s.Commits {
		dtoml.Commits[i] = pointToString(c)
	}
	dtoml.Share = scalarToString(s.Share.V)
	dtoml.Index = s.Share.I
	return dtoml
}

// FromTOML initializes the share from the given TOML-compatible interface.
func (s *Share) FromTOML(i interface{}) error {
	t, ok := i.(*ShareTOML)
	if !ok {
		return errors.New("key: invalid struct received for share")
	}
	s.Commits = make([]kyber.Point, len(t.Commits))
	for i, c := range t.Commits {
		p, err := stringToPoint(Suite, c)
		if err != nil {
			return fmt.Errorf("key: share commit %d corrupted: %w", i, err)
		}
		s.Commits[i] = p
	}
	sshare, err := stringToScalar(Suite, t.Share)
	if err != nil {
		return fmt.Errorf("key: share scalar corrupted: %w", err)
	}
	s.Share = &share.PriShare{V: sshare, I: t.Index}
	return nil
}

// TOMLValue returns an empty TOML compatible interface of that Share.
func (s *Share) TOMLValue() interface{} {
	return &ShareTOML{}
}

// ShareTOML is the TOML representation of a distributed key share.
type ShareTOML struct {
	Commits []string
	Share   string
	Index   int
}

// DistPublic represents the distributed public polynomial generated during a
// DKG. Its first coefficient is the committee public key; evaluating it at a
// member index yields that member's public share.
type DistPublic struct {
	Coefficients []kyber.Point
}

// Key returns the committee public key Q.
func (d *DistPublic) Key() kyber.Point {
	return d.Coefficients[0]
}

// Eval returns the public share P_i of the member at index i.
func (d *DistPublic) Eval(i int) kyber.Point {
	poly := share.NewPubPoly(Suite, Suite.Point().Base(), d.Coefficients)
	return poly.Eval(i).V
}

// DistPublicTOML is a TOML compatible value of a DistPublic.
type DistPublicTOML struct {
	Coefficients []string
}

// TOML returns a TOML-compatible version of d.
func (d *DistPublic) TOML() interface{} {
	strs := make([]string, len(d.Coefficients))
	for i, c := range d.Coefficients {
		strs[i] = pointToString(c)
	}
	return &DistPublicTOML{strs}
}

// FromTOML initializes d from the TOML-compatible version of a DistPublic.
func (d *DistPublic) FromTOML(i interface{}) error {
	dtoml, ok := i.(*DistPublicTOML)
	if !ok {
		return errors.New("key: wrong interface: expected DistPublicTOML")
	}
	d.Coefficients = make([]kyber.Point, len(dtoml.Coefficients))
	for i, c := range dtoml.Coefficients {
		p, err := stringToPoint(Suite, c)
		if err != nil {
			return err
		}
		d.Coefficients[i] = p
	}
	return nil
}

// TOMLValue returns an empty TOML-compatible dist public interface.
func (d *DistPublic) TOMLValue() interface{} {
	return &DistPublicTOML{}
}
