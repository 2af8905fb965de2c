package keys

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidSignature 签名校验失败
var ErrInvalidSignature = errors.New("invalid request signature")

// RequestDigest 构造请求签名内容: METHOD + " " + URI + "\n" + body
func RequestDigest(method, uri string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(strings.ToUpper(method))
	buf.WriteByte(' ')
	buf.WriteString(uri)
	buf.WriteByte('\n')
	buf.Write(body)
	return buf.Bytes()
}

// SignRequest 对请求签名，返回十六进制签名
func SignRequest(priv ed25519.PrivateKey, method, uri string, body []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, RequestDigest(method, uri, body)))
}

// VerifyRequest 校验请求签名
func VerifyRequest(id Identity, signature, method, uri string, body []byte) error {
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(id.PublicKey(), RequestDigest(method, uri, body), sig) {
		return ErrInvalidSignature
	}
	return nil
}

// GenerateIdentity 生成新的身份和私钥
func GenerateIdentity() (Identity, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return Identity{}, nil, err
	}
	id, err := IdentityFromPublicKey(pub)
	return id, priv, err
}

// ParsePrivateKey 解析十六进制的ed25519种子或完整私钥
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	bz, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	switch len(bz) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(bz), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(bz), nil
	default:
		return nil, errors.New("invalid private key length")
	}
}
