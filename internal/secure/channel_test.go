package secure

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// pair 建立一对互通的通道，模拟客户端与服务端握手后的状态
func pair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	client, err := GenerateKeyPair()
	require.NoError(t, err)
	server, err := GenerateKeyPair()
	require.NoError(t, err)
	salt, err := NewSalt()
	require.NoError(t, err)

	ck, err := DeriveKey(client.Private, server.Public, salt)
	require.NoError(t, err)
	sk, err := DeriveKey(server.Private, client.Public, salt)
	require.NoError(t, err)
	require.Equal(t, ck, sk, "both sides must derive the same key")

	c, err := NewChannel(ck, salt, true)
	require.NoError(t, err)
	s, err := NewChannel(sk, salt, false)
	require.NoError(t, err)
	return c, s
}

func TestBothDirectionsIndependent(t *testing.T) {
	c, s := pair(t)

	// 双向同时发送，序号空间互不干扰
	seqC, ctC := c.Seal([]byte("from client"))
	seqS, ctS := s.Seal([]byte("from server"))
	require.Equal(t, seqC, seqS)

	plain, err := s.Open(seqC, ctC)
	require.NoError(t, err)
	require.Equal(t, "from client", string(plain))

	plain, err = c.Open(seqS, ctS)
	require.NoError(t, err)
	require.Equal(t, "from server", string(plain))

	// 方向密钥不同：同序号密文不可互换
	seq2, ct2 := c.Seal([]byte("again"))
	_, err = c.Open(seq2, ct2)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestSealOpenRoundTrip(t *testing.T) {
	c, s := pair(t)

	seq, ct := c.Seal([]byte(`{"cp_id":"CP-001"}`))
	require.Equal(t, uint64(1), seq)

	plain, err := s.Open(seq, ct)
	require.NoError(t, err)
	require.JSONEq(t, `{"cp_id":"CP-001"}`, string(plain))
}

func TestOpenRejectsReplay(t *testing.T) {
	c, s := pair(t)

	seq, ct := c.Seal([]byte("one"))
	_, err := s.Open(seq, ct)
	require.NoError(t, err)

	// 同一帧重放必须被拒绝
	_, err = s.Open(seq, ct)
	require.True(t, errors.Is(err, ErrReplay), "replay must fail with ErrReplay, got %v", err)

	// 序号回退同样拒绝
	seq2, ct2 := c.Seal([]byte("two"))
	_, err = s.Open(seq2, ct2)
	require.NoError(t, err)
	_, err = s.Open(seq, ct)
	require.True(t, errors.Is(err, ErrReplay))
}

func TestOpenRejectsTamper(t *testing.T) {
	c, s := pair(t)

	seq, ct := c.Seal([]byte("payload"))
	ct[0] ^= 0xFF
	_, err := s.Open(seq, ct)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenRejectsForeignKey(t *testing.T) {
	c, _ := pair(t)
	_, other := pair(t)

	seq, ct := c.Seal([]byte("payload"))
	_, err := other.Open(seq, ct)
	require.ErrorIs(t, err, ErrDecrypt)
}
