// Package keys 负责把投票和投票人映射到确定性的存储地址。
//
// 地址本身就是索引：同一组输入永远得到同一个地址，不需要额外的查找表。
package keys

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// PollNamespace 投票记录的命名空间标签
	PollNamespace = "poll"
	// VoterNamespace 投票人记录的命名空间标签
	VoterNamespace = "user"

	// AddressSize 地址字节长度
	AddressSize = blake2b.Size256
	// IdentitySize 身份字节长度（ed25519公钥）
	IdentitySize = ed25519.PublicKeySize
)

// Address 记录的存储地址
type Address [AddressSize]byte

// String 返回十六进制形式
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// MarshalText 实现encoding.TextMarshaler
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText 实现encoding.TextUnmarshaler
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress 解析十六进制地址
func ParseAddress(s string) (Address, error) {
	var a Address
	if err := decodeFixed(a[:], s); err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return a, nil
}

// Identity 调用者身份，即ed25519公钥
type Identity [IdentitySize]byte

// String 返回十六进制形式
func (i Identity) String() string {
	return hex.EncodeToString(i[:])
}

// IsZero 判断身份是否为空
func (i Identity) IsZero() bool {
	return i == Identity{}
}

// PublicKey 返回对应的ed25519公钥
func (i Identity) PublicKey() ed25519.PublicKey {
	pub := make(ed25519.PublicKey, IdentitySize)
	copy(pub, i[:])
	return pub
}

// MarshalText 实现encoding.TextMarshaler
func (i Identity) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText 实现encoding.TextUnmarshaler
func (i *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// ParseIdentity 解析十六进制身份
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	if err := decodeFixed(id[:], s); err != nil {
		return Identity{}, fmt.Errorf("invalid identity %q: %w", s, err)
	}
	return id, nil
}

// IdentityFromPublicKey 从ed25519公钥构造身份
func IdentityFromPublicKey(pub ed25519.PublicKey) (Identity, error) {
	if len(pub) != IdentitySize {
		return Identity{}, fmt.Errorf("invalid public key length %d", len(pub))
	}
	var id Identity
	copy(id[:], pub)
	return id, nil
}

// EncodePollID 投票ID的规范编码（小端序）
func EncodePollID(pollID uint32) []byte {
	bz := make([]byte, 4)
	binary.LittleEndian.PutUint32(bz, pollID)
	return bz
}

// PollAddress 计算投票记录地址
func PollAddress(pollID uint32) Address {
	return Derive([]byte(PollNamespace), EncodePollID(pollID))
}

// VoterAddress 计算投票人记录地址
func VoterAddress(pollID uint32, voter Identity) Address {
	return Derive([]byte(VoterNamespace), voter[:], EncodePollID(pollID))
}

// Derive 对带长度前缀的种子序列做BLAKE2b-256哈希
func Derive(seeds ...[]byte) Address {
	h, err := blake2b.New256(nil)
	if err != nil {
		// 只有密钥超长时才会出错，这里没有密钥
		panic(err)
	}

	var length [4]byte
	for _, seed := range seeds {
		binary.LittleEndian.PutUint32(length[:], uint32(len(seed)))
		h.Write(length[:])
		h.Write(seed)
	}

	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

func decodeFixed(dst []byte, s string) error {
	bz, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(bz) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(bz))
	}
	copy(dst, bz)
	return nil
}
