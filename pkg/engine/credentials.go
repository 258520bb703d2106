package engine

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ssh"
)

// SSHUsername is the account minted inside every tenant container.
const SSHUsername = "gpu-user"

const (
	letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
	symbols = "!@#$%^&*"

	passwordAlphabet = letters + digits + symbols
	tokenAlphabet    = letters + digits

	passwordLength = 16
	tokenLength    = 32
)

// Credentials are the per-deployment tenant secrets, minted fresh for each
// deploy and never reused.
type Credentials struct {
	Username     string
	Password     string
	JupyterToken string
}

// MintCredentials generates fresh tenant credentials from crypto/rand.
func MintCredentials() (*Credentials, error) {
	password, err := randomString(passwordAlphabet, passwordLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate password: %w", err)
	}
	token, err := randomString(tokenAlphabet, tokenLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate jupyter token: %w", err)
	}
	return &Credentials{
		Username:     SSHUsername,
		Password:     password,
		JupyterToken: token,
	}, nil
}

func randomString(alphabet string, length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}

// ValidateSSHPublicKey checks that key parses as an authorized_keys entry
// before the deploy touches any resources.
func ValidateSSHPublicKey(key string) error {
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return fmt.Errorf("invalid ssh public key: %w", err)
	}
	return nil
}
