// Package wallet derives ledger accounts from BIP-39 mnemonics.
package wallet

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/upright-vc/libra2key/internal/ledger"
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

const (
	entropyBits = 256
	hkdfSalt    = "LIBRA WALLET: master key salt$"
	hkdfInfo    = "LIBRA WALLET: derived key$"
	// maxKeyAttempts bounds the search for a valid secp256k1 scalar.
	maxKeyAttempts = 16
)

// Provider creates and recovers accounts.
type Provider interface {
	NewAccount() (*Account, string, error)
	DeriveAccount(mnemonic string, index uint64) (*Account, error)
}

// Account is a derived keypair. It satisfies ledger.Signer.
type Account struct {
	key     *ecdsa.PrivateKey
	address ledger.Address
	index   uint64
}

func (a *Account) Address() ledger.Address       { return a.address }
func (a *Account) PrivateKey() *ecdsa.PrivateKey { return a.key }
func (a *Account) Index() uint64                 { return a.index }

// HKDF expands a mnemonic seed into per-index secp256k1 keys with
// HKDF-SHA3-256.
type HKDF struct {
	// Passphrase is the optional BIP-39 passphrase.
	Passphrase string
}

var _ Provider = HKDF{}

// NewAccount creates a fresh 24 word mnemonic and returns its account 0.
func (h HKDF) NewAccount() (*Account, string, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", fmt.Errorf("entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("mnemonic: %w", err)
	}
	acc, err := h.DeriveAccount(mnemonic, 0)
	if err != nil {
		return nil, "", err
	}
	return acc, mnemonic, nil
}

func (h HKDF) DeriveAccount(mnemonic string, index uint64) (*Account, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, h.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}

	info := make([]byte, len(hkdfInfo)+8)
	copy(info, hkdfInfo)
	binary.LittleEndian.PutUint64(info[len(hkdfInfo):], index)

	r := hkdf.New(sha3.New256, seed, []byte(hkdfSalt), info)
	buf := make([]byte, 32)
	for i := 0; i < maxKeyAttempts; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("hkdf: %w", err)
		}
		key, err := crypto.ToECDSA(buf)
		if err != nil {
			// Out of range scalar; draw the next 32 bytes.
			continue
		}
		return &Account{
			key:     key,
			address: ledger.FromEVMAddress(crypto.PubkeyToAddress(key.PublicKey)),
			index:   index,
		}, nil
	}
	return nil, fmt.Errorf("no valid key for index %d", index)
}
