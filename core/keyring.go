package core

// keyring.go – Ed25519 key generation/sign/verify and the on-chain
// public-key cache.
//
// A node keyring is a single signing identity per node: no HD derivation or
// BIP-39 mnemonics, those are wallet concerns for an account-based chain.
// ed25519 stays on the standard library; it's a language primitive, not a
// third-party concern.

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	logrus "github.com/sirupsen/logrus"
)

// KeyringConfig names the on-disk key path and key-creation policy.
type KeyringConfig struct {
	NodeName                 string
	PrivateKeyPath           string
	CreateKeysIfNoSignKeyExists bool
}

// Keyring owns this node's Ed25519 signing identity and a cache of peer
// public keys refreshed from the chain.
type Keyring struct {
	logger *logrus.Logger
	cfg    KeyringConfig

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	mu    sync.RWMutex
	cache map[string]PublicKeyEntry // nodeName -> entry

	main mainReaderPoster // narrow interface onto Main, for postSelfPublicKeys/refresh
}

// mainReaderPoster is the slice of Main that the keyring needs: enough to
// look up and post its own public-key tx without importing all of Main's
// surface. Keeping it narrow avoids a keyring<->main import cycle at the
// type level even though both live in package core.
type mainReaderPoster interface {
	getAllPubkeyTxs() ([]PublicKeyEntry, error)
	postPubkeyTx(entry PublicKeyEntry) error
	requestImmediateDelivery()
}

// NewKeyring loads (or, if permitted, generates) this node's Ed25519
// keypair. Generation only happens when no private key file exists AND
// cfg.CreateKeysIfNoSignKeyExists is true; otherwise missing key material is
// fatal at startup.
func NewKeyring(logger *logrus.Logger, cfg KeyringConfig) (*Keyring, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	kr := &Keyring{logger: logger, cfg: cfg, cache: make(map[string]PublicKeyEntry)}

	priv, err := loadOrCreatePrivateKey(cfg.PrivateKeyPath, cfg.CreateKeysIfNoSignKeyExists)
	if err != nil {
		return nil, NewErr(KindInternal, "Keyring", "NewKeyring", "loadOrCreatePrivateKey", err.Error(), err)
	}
	kr.priv = priv
	kr.pub = priv.Public().(ed25519.PublicKey)
	logger.Infof("keyring: loaded signing key for node %s (pub %s)", cfg.NodeName, kr.PublicKeyHex())
	return kr, nil
}

// AttachMain wires the narrow Main interface used by postSelfPublicKeys and
// refreshPublicKeyCache. Called once during Glue wiring, after both Keyring
// and Main exist; the reference is weak, Keyring never owns a Main.
func (kr *Keyring) AttachMain(m mainReaderPoster) { kr.main = m }

func loadOrCreatePrivateKey(path string, createIfMissing bool) (ed25519.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("invalid PEM in %s", path)
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s does not contain an ed25519 key", path)
		}
		return priv, nil
	}
	if !createIfMissing {
		return nil, fmt.Errorf("no signing key at %s and createKeysIfNoSignKeyExists is false", path)
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	if err := savePrivateKeyPEM(path, priv); err != nil {
		return nil, err
	}
	return priv, nil
}

func savePrivateKeyPEM(path string, priv ed25519.PrivateKey) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, block)
}

// PublicKeyHex returns this node's public key as lowercase hex.
func (kr *Keyring) PublicKeyHex() string { return hex.EncodeToString(kr.pub) }

// PublicKeyPEM returns this node's public key PEM-encoded, kept for
// wire-compatibility with nodes/tooling that expect PEM.
func (kr *Keyring) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(kr.pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

//---------------------------------------------------------------------
// Signing / verification
//---------------------------------------------------------------------

// SignByPrivateKey signs hex(UTF-8(CanonicalJSON(target))) with this node's
// Ed25519 key and returns the signature as hex.
func (kr *Keyring) SignByPrivateKey(target any) (string, error) {
	payload, err := signaturePayload(target)
	if err != nil {
		return "", NewErr(KindInternal, "Keyring", "signByPrivateKey", "CanonicalJSON", err.Error(), err)
	}
	sig := ed25519.Sign(kr.priv, payload)
	return hex.EncodeToString(sig), nil
}

// VerifyByPublicKey verifies sig (hex) over target for the named signer. On
// a cache miss it refreshes the cache once before giving up with
// KindNotFound; a verification failure reports KindSignatureRejected rather
// than returning a bare false, so callers get a stable error kind.
func (kr *Keyring) VerifyByPublicKey(sigHex string, target any, nodeName string) (bool, error) {
	pub, ok := kr.lookup(nodeName)
	if !ok {
		if err := kr.RefreshPublicKeyCache(); err != nil {
			return false, NewErr(KindInternal, "Keyring", "verifyByPublicKey", "RefreshPublicKeyCache", err.Error(), err)
		}
		pub, ok = kr.lookup(nodeName)
		if !ok {
			return false, NewErr(KindNotFound, "Keyring", "verifyByPublicKey", "lookup", fmt.Sprintf("no public key cached for node %s", nodeName), nil)
		}
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, NewErr(KindValidation, "Keyring", "verifyByPublicKey", "DecodeSig", err.Error(), err)
	}
	payload, err := signaturePayload(target)
	if err != nil {
		return false, NewErr(KindInternal, "Keyring", "verifyByPublicKey", "CanonicalJSON", err.Error(), err)
	}
	if !ed25519.Verify(pub, payload, sig) {
		return false, NewErr(KindSignatureRejected, "Keyring", "verifyByPublicKey", "Verify", fmt.Sprintf("signature from %s does not verify", nodeName), nil)
	}
	return true, nil
}

func signaturePayload(target any) ([]byte, error) {
	canon, err := CanonicalJSON(target)
	if err != nil {
		return nil, err
	}
	return []byte(hex.EncodeToString(canon)), nil
}

func (kr *Keyring) lookup(nodeName string) (ed25519.PublicKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	entry, ok := kr.cache[nodeName]
	if !ok {
		return nil, false
	}
	raw, err := hex.DecodeString(entry.VerifyKeyHex)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(raw), true
}

//---------------------------------------------------------------------
// On-chain public-key lifecycle
//---------------------------------------------------------------------

// PostSelfPublicKeys is idempotent: if a PubkeyTag tx for this node already
// exists on-chain it does nothing; otherwise it posts one and requests
// immediate delivery.
func (kr *Keyring) PostSelfPublicKeys() error {
	if kr.main == nil {
		return NewErr(KindInternal, "Keyring", "postSelfPublicKeys", "AttachMain", "keyring not wired to Main", nil)
	}
	existing, err := kr.main.getAllPubkeyTxs()
	if err != nil {
		return NewErr(KindInternal, "Keyring", "postSelfPublicKeys", "getAllPubkeyTxs", err.Error(), err)
	}
	for _, e := range existing {
		if e.NodeName == kr.cfg.NodeName {
			return nil
		}
	}
	pem, err := kr.PublicKeyPEM()
	if err != nil {
		return NewErr(KindInternal, "Keyring", "postSelfPublicKeys", "PublicKeyPEM", err.Error(), err)
	}
	entry := PublicKeyEntry{CcTx: PubkeyTag, NodeName: kr.cfg.NodeName, VerifyKey: pem, VerifyKeyHex: kr.PublicKeyHex()}
	if err := kr.main.postPubkeyTx(entry); err != nil {
		return NewErr(KindInternal, "Keyring", "postSelfPublicKeys", "postPubkeyTx", err.Error(), err)
	}
	kr.main.requestImmediateDelivery()
	kr.mu.Lock()
	kr.cache[entry.NodeName] = entry
	kr.mu.Unlock()
	return nil
}

// RefreshPublicKeyCache reads all PubkeyTag txs newest-first and merges them
// into the cache keyed by nodeName (later entries for a node lost to
// earlier/newer ones already present, since we stop overwriting once a
// nodeName is seen — "newest-first" makes the first occurrence the winner).
func (kr *Keyring) RefreshPublicKeyCache() error {
	if kr.main == nil {
		return NewErr(KindInternal, "Keyring", "refreshPublicKeyCache", "AttachMain", "keyring not wired to Main", nil)
	}
	entries, err := kr.main.getAllPubkeyTxs()
	if err != nil {
		return NewErr(KindInternal, "Keyring", "refreshPublicKeyCache", "getAllPubkeyTxs", err.Error(), err)
	}
	// getAllPubkeyTxs already returns newest-first (see core/main.go).
	kr.mu.Lock()
	defer kr.mu.Unlock()
	for _, e := range entries {
		if _, seen := kr.cache[e.NodeName]; seen {
			continue
		}
		kr.cache[e.NodeName] = e
	}
	return nil
}

// KnownNodes returns the nodeNames currently cached, sorted, for the CA3
// signing ring, which tie-breaks by sorted nodeName.
func (kr *Keyring) KnownNodes() []string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	out := make([]string, 0, len(kr.cache))
	for name := range kr.cache {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
