package privval

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/blockberries/stakeberry/crypto/bls"
	"github.com/blockberries/stakeberry/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
)

// FilePV is a file-based private validator. The last sign state is written
// to disk before any signature is returned, so the guard survives restarts.
type FilePV struct {
	signer

	keyFilePath   string
	stateFilePath string
}

// FilePVKey represents the key file structure
type FilePVKey struct {
	ID         string `json:"id"`
	PrivKey    []byte `json:"priv_key"`
	BLSPrivKey []byte `json:"bls_priv_key"`
}

// FilePVState represents the state file structure
type FilePVState struct {
	ProposalSlot         uint64 `json:"proposal_slot"`
	ProposalSignBytes    []byte `json:"proposal_sign_bytes,omitempty"`
	ProposalSignature    []byte `json:"proposal_signature,omitempty"`
	AttestationSlot      uint64 `json:"attestation_slot"`
	AttestationSignBytes []byte `json:"attestation_sign_bytes,omitempty"`
	AttestationSignature []byte `json:"attestation_signature,omitempty"`
	SourceEpoch          uint64 `json:"source_epoch"`
}

// NewFilePV loads the validator in keyFilePath, generating a key if the
// file does not exist, and restores its last sign state.
func NewFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
	}
	if err := pv.loadKey(); err != nil {
		return nil, err
	}
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	pv.save = pv.saveState
	return pv, nil
}

// GenerateFilePV writes a fresh key and an empty state, replacing any
// existing files.
func GenerateFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
	}
	if err := pv.generateKey(); err != nil {
		return nil, err
	}
	if err := pv.saveState(LastSignState{}); err != nil {
		return nil, err
	}
	pv.save = pv.saveState
	return pv, nil
}

func (pv *FilePV) generateKey() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return errors.Wrap(err, "failed to generate key")
	}
	blsKey, err := bls.GenerateKey(rand.Reader)
	if err != nil {
		return errors.Wrap(err, "failed to generate bls key")
	}
	k, err := newKeys(priv, blsKey)
	if err != nil {
		return err
	}
	pv.keys = k
	return pv.saveKey()
}

func (pv *FilePV) loadKey() error {
	data, err := os.ReadFile(pv.keyFilePath)
	if os.IsNotExist(err) {
		return pv.generateKey()
	}
	if err != nil {
		return errors.Wrap(err, "failed to read key file")
	}

	var key FilePVKey
	if err := json.Unmarshal(data, &key); err != nil {
		return errors.Wrap(err, "failed to parse key file")
	}
	blsKey, err := bls.SecretKeyFromBytes(key.BLSPrivKey)
	if err != nil {
		return errors.Wrap(err, "failed to parse bls key")
	}
	k, err := newKeys(key.PrivKey, blsKey)
	if err != nil {
		return err
	}
	if key.ID != "" && key.ID != k.id.String() {
		return errors.Wrapf(ErrInvalidKey, "key file id %s does not match key", key.ID)
	}
	pv.keys = k
	return nil
}

func (pv *FilePV) saveKey() error {
	data, err := json.MarshalIndent(FilePVKey{
		ID:         pv.keys.id.String(),
		PrivKey:    pv.keys.priv,
		BLSPrivKey: pv.keys.bls.Bytes(),
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal key")
	}
	return writeFileAtomic(pv.keyFilePath, data, keyFilePerm)
}

func (pv *FilePV) loadState() error {
	data, err := os.ReadFile(pv.stateFilePath)
	if os.IsNotExist(err) {
		return pv.saveState(LastSignState{})
	}
	if err != nil {
		return errors.Wrap(err, "failed to read state file")
	}

	var st FilePVState
	if err := json.Unmarshal(data, &st); err != nil {
		return errors.Wrap(err, "failed to parse state file")
	}
	lss := LastSignState{
		ProposalSlot:    types.Slot(st.ProposalSlot),
		AttestationSlot: types.Slot(st.AttestationSlot),
		SourceEpoch:     types.Epoch(st.SourceEpoch),
	}
	copy(lss.ProposalSignBytes[:], st.ProposalSignBytes)
	copy(lss.ProposalSignature[:], st.ProposalSignature)
	copy(lss.AttestationSignBytes[:], st.AttestationSignBytes)
	copy(lss.AttestationSignature[:], st.AttestationSignature)
	pv.state = lss
	return nil
}

func (pv *FilePV) saveState(lss LastSignState) error {
	st := FilePVState{
		ProposalSlot:    uint64(lss.ProposalSlot),
		AttestationSlot: uint64(lss.AttestationSlot),
		SourceEpoch:     uint64(lss.SourceEpoch),
	}
	if !lss.ProposalSignBytes.IsZero() {
		st.ProposalSignBytes = lss.ProposalSignBytes[:]
		st.ProposalSignature = lss.ProposalSignature[:]
	}
	if !lss.AttestationSignBytes.IsZero() {
		st.AttestationSignBytes = lss.AttestationSignBytes[:]
		st.AttestationSignature = lss.AttestationSignature[:]
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal state")
	}
	return writeFileAtomic(pv.stateFilePath, data, stateFilePerm)
}

// Reset clears the last sign state (use with caution!)
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	if err := pv.saveState(LastSignState{}); err != nil {
		return err
	}
	pv.state = LastSignState{}
	return nil
}

// writeFileAtomic writes data to a temporary file in the target directory,
// syncs it and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to sync %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", path)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return errors.Wrapf(err, "failed to chmod %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to rename into %s", path)
	}
	return nil
}

var _ PrivValidator = (*FilePV)(nil)
