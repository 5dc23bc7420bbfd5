package lorawan

import (
	"crypto/aes"
	"fmt"

	"github.com/jacobsa/crypto/cmac"
)

// CalculateMIC is a helper function to calculate MIC
func CalculateMIC(key AES128Key, data []byte) ([4]byte, error) {
	var mic [4]byte
	sum, err := cmacSum(key, data)
	if err != nil {
		return mic, err
	}
	copy(mic[:], sum[0:4])
	return mic, nil
}

func cmacSum(key AES128Key, data ...[]byte) ([]byte, error) {
	h, err := cmac.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("new cmac: %w", err)
	}
	for _, d := range data {
		if _, err := h.Write(d); err != nil {
			return nil, err
		}
	}
	return h.Sum(nil), nil
}

func aesEncryptBlock(key AES128Key, in []byte) (AES128Key, error) {
	var out AES128Key
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return out, err
	}
	block.Encrypt(out[:], in)
	return out, nil
}
