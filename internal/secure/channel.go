// Package secure 实现连接级加密通道：X25519 协商 + HKDF 派生 +
// ChaCha20-Poly1305 封装。nonce 由连接盐与帧序号拼接，序号严格递增，
// 重放帧在解封前即被拒绝。
package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrAuthentication 凭据被注册中心拒绝
	ErrAuthentication = errors.New("authentication rejected")
	// ErrHandshake 密钥协商中断或格式错误
	ErrHandshake = errors.New("handshake failed")
	// ErrReplay 序号重复或回退，视为协议违规
	ErrReplay = errors.New("replayed or out-of-order sequence")
	// ErrDecrypt 解密失败，视为协议违规
	ErrDecrypt = errors.New("payload decryption failed")
)

// SaltSize 连接盐长度（nonce 前缀）
const SaltSize = 4

// KeyPair 一次性 X25519 密钥对
type KeyPair struct {
	Private []byte
	Public  []byte
}

// GenerateKeyPair 生成 X25519 密钥对
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// NewSalt 生成连接盐
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return salt, nil
}

// DeriveKey 由双方公私钥与连接盐派生 64 字节密钥材料，
// 前 32 字节为发起方（HELLO 一侧）的发送密钥，后 32 字节为应答方的。
// 两个方向各用一把密钥，序号即使相同也不会复用 nonce。
func DeriveKey(priv, peerPub, salt []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	r := hkdf.New(sha256.New, shared, salt, []byte("evc-channel-v1"))
	key := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return key, nil
}

// Channel 已建立的加密通道。非并发安全：每条连接的读写各自串行。
type Channel struct {
	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD
	salt     [SaltSize]byte
	sendSeq  uint64
	recvSeq  uint64
}

// NewChannel 用 64 字节密钥材料与连接盐构建通道。
// initiator 为真表示本端是握手发起方（发送 HELLO 的一侧）。
func NewChannel(key, salt []byte, initiator bool) (*Channel, error) {
	if len(key) != 2*chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: bad key length %d", ErrHandshake, len(key))
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: bad salt length %d", ErrHandshake, len(salt))
	}
	k1, k2 := key[:chacha20poly1305.KeySize], key[chacha20poly1305.KeySize:]
	if !initiator {
		k1, k2 = k2, k1
	}
	send, err := chacha20poly1305.New(k1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	recv, err := chacha20poly1305.New(k2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	ch := &Channel{sendAEAD: send, recvAEAD: recv}
	copy(ch.salt[:], salt)
	return ch, nil
}

func (c *Channel) nonce(seq uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	copy(n, c.salt[:])
	binary.BigEndian.PutUint64(n[SaltSize:], seq)
	return n
}

// Seal 加密明文并返回本帧序号
func (c *Channel) Seal(plain []byte) (uint64, []byte) {
	c.sendSeq++
	return c.sendSeq, c.sendAEAD.Seal(nil, c.nonce(c.sendSeq), plain, nil)
}

// Open 校验序号单调递增后解密；任何失败都应终止连接
func (c *Channel) Open(seq uint64, ciphertext []byte) ([]byte, error) {
	if seq <= c.recvSeq {
		return nil, fmt.Errorf("%w: got %d, last %d", ErrReplay, seq, c.recvSeq)
	}
	plain, err := c.recvAEAD.Open(nil, c.nonce(seq), ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	c.recvSeq = seq
	return plain, nil
}
