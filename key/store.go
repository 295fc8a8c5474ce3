package key

import (
	"encoding/json"
	"errors"
	"os"
	"path"

	"github.com/BurntSushi/toml"

	"github.com/teleconsys/dora-storage/fs"
)

// ErrCorruptState flags persisted material that fails its invariants. A node
// finding this on disk must refuse to start.
var ErrCorruptState = errors.New("key: persisted state is corrupt")

const (
	// KeyFolderName is the name of the subfolder holding the longterm pair.
	KeyFolderName = "key"
	// GroupFolderName is the name of the subfolder holding group material.
	GroupFolderName = "groups"

	keyFileName       = "dora_id"
	privateExtension  = ".private"
	publicExtension   = ".public"
	shareFileName     = "dist_key.private"
	groupFileName     = "dora_group.toml"
	committeeFileName = "committee.json"
)

// Store abstracts the loading and saving of any private/public cryptographic
// material produced or consumed by a node.
type Store interface {
	SaveKeyPair(p *Pair) error
	LoadKeyPair() (*Pair, error)
	SaveShare(share *Share) error
	LoadShare() (*Share, error)
	SaveGroup(g *Group) error
	LoadGroup() (*Group, error)
	SaveCommittee(doc *Document) error
	LoadCommittee() (*Document, error)
}

// Tomler represents any struct that can be (un)marshalled into/from a
// toml-compatible value.
type Tomler interface {
	TOML() interface{}
	FromTOML(i interface{}) error
	TOMLValue() interface{}
}

// fileStore is a file-system backed Store rooted at a base folder, usually
// the DORA_SAVE_DIR of the node.
type fileStore struct {
	baseFolder    string
	privateKey    string
	publicKey     string
	shareFile     string
	groupFile     string
	committeeFile string
}

// NewFileStore returns a file-system based Store under baseFolder.
func NewFileStore(baseFolder string) Store {
	keyFolder := fs.CreateSecureFolder(path.Join(baseFolder, KeyFolderName))
	groupFolder := fs.CreateSecureFolder(path.Join(baseFolder, GroupFolderName))
	return &fileStore{
		baseFolder:    baseFolder,
		privateKey:    path.Join(keyFolder, keyFileName+privateExtension),
		publicKey:     path.Join(keyFolder, keyFileName+publicExtension),
		shareFile:     path.Join(keyFolder, shareFileName),
		groupFile:     path.Join(groupFolder, groupFileName),
		committeeFile: path.Join(groupFolder, committeeFileName),
	}
}

// SaveKeyPair saves the private key pair, the public part in a separate file
// for easy distribution.
func (f *fileStore) SaveKeyPair(p *Pair) error {
	if err := saveTOML(f.privateKey, p); err != nil {
		return err
	}
	return saveTOML(f.publicKey, p.Public)
}

// LoadKeyPair loads the longterm pair from disk.
func (f *fileStore) LoadKeyPair() (*Pair, error) {
	p := new(Pair)
	if err := loadTOML(f.privateKey, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SaveShare saves the distributed key share under a private file.
func (f *fileStore) SaveShare(share *Share) error {
	return saveTOML(f.shareFile, share)
}

// LoadShare loads the distributed key share and checks it against its public
// polynomial.
func (f *fileStore) LoadShare() (*Share, error) {
	s := new(Share)
	if err := loadTOML(f.shareFile, s); err != nil {
		return nil, err
	}
	if !s.Valid() {
		return nil, ErrCorruptState
	}
	return s, nil
}

func (f *fileStore) SaveGroup(g *Group) error {
	return saveTOML(f.groupFile, g)
}

func (f *fileStore) LoadGroup() (*Group, error) {
	g := new(Group)
	if err := loadTOML(f.groupFile, g); err != nil {
		return nil, err
	}
	return g, nil
}

// SaveCommittee stores the committee DID document as published.
func (f *fileStore) SaveCommittee(doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	fd, err := fs.CreateSecureFile(f.committeeFile)
	if err != nil {
		return err
	}
	defer fd.Close()
	_, err = fd.Write(data)
	return err
}

func (f *fileStore) LoadCommittee() (*Document, error) {
	data, err := os.ReadFile(f.committeeFile)
	if err != nil {
		return nil, err
	}
	doc, err := DocumentFromBytes(data)
	if err != nil {
		return nil, ErrCorruptState
	}
	return doc, nil
}

func saveTOML(filePath string, t Tomler) error {
	fd, err := fs.CreateSecureFile(filePath)
	if err != nil {
		return err
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(t.TOML())
}

func loadTOML(filePath string, t Tomler) error {
	tomlValue := t.TOMLValue()
	if _, err := toml.DecodeFile(filePath, tomlValue); err != nil {
		return err
	}
	return t.FromTOML(tomlValue)
}
