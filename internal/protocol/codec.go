package protocol

import (
	"encoding/binary"
	"errors"
)

var (
	ErrInvalidMagic  = errors.New("invalid magic")
	ErrShortPacket   = errors.New("short packet")
	ErrBadLength     = errors.New("bad length")
	ErrBadChecksum   = errors.New("bad checksum")
	ErrSenderTooLong = errors.New("sender id too long")
	ErrFrameTooLarge = errors.New("frame length limit exceeded")
)

// checksum16 累加校验（低16位），不含末尾校验字段本身
func checksum16(b []byte) uint16 {
	var sum uint32
	for i := 0; i < len(b); i++ {
		sum += uint32(b[i])
	}
	return uint16(sum & 0xFFFF)
}

// Encode 编码一帧
func Encode(f *Frame) ([]byte, error) {
	if len(f.Sender) > 255 {
		return nil, ErrSenderTooLong
	}
	total := frameOverhead + len(f.Sender) + len(f.Payload)
	if total > 0xFFFF {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, 0, total)
	buf = append(buf, magic...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(total))
	buf = append(buf, byte(f.Type))
	buf = append(buf, byte(len(f.Sender)))
	buf = append(buf, f.Sender...)
	buf = binary.LittleEndian.AppendUint64(buf, f.Seq)
	buf = append(buf, f.Payload...)
	buf = binary.LittleEndian.AppendUint16(buf, checksum16(buf))
	return buf, nil
}

// Parse 解析一帧（严格校验：magic、长度、checksum）
func Parse(raw []byte) (*Frame, error) {
	if len(raw) < frameOverhead {
		return nil, ErrShortPacket
	}
	if raw[0] != magic[0] || raw[1] != magic[1] || raw[2] != magic[2] {
		return nil, ErrInvalidMagic
	}
	totalLen := int(binary.LittleEndian.Uint16(raw[3:5]))
	if totalLen != len(raw) {
		return nil, ErrBadLength
	}
	got := binary.LittleEndian.Uint16(raw[len(raw)-2:])
	want := checksum16(raw[:len(raw)-2])
	if got != want {
		return nil, ErrBadChecksum
	}
	typ := MsgType(raw[5])
	senderLen := int(raw[6])
	off := 7
	if off+senderLen+8+2 > len(raw) {
		return nil, ErrShortPacket
	}
	sender := string(raw[off : off+senderLen])
	off += senderLen
	seq := binary.LittleEndian.Uint64(raw[off : off+8])
	off += 8
	payload := raw[off : len(raw)-2]
	return &Frame{Type: typ, Sender: sender, Seq: seq, Payload: payload}, nil
}

// StreamDecoder 处理半包/粘包的流式解码器
type StreamDecoder struct {
	buf         []byte
	maxFrameLen int // 保护上限，避免畸形数据占用过多内存
	parseErrs   uint64
}

// NewStreamDecoder 创建流式解码器
func NewStreamDecoder(maxFrameLen int) *StreamDecoder {
	if maxFrameLen <= 0 {
		maxFrameLen = 8192
	}
	return &StreamDecoder{maxFrameLen: maxFrameLen}
}

// Feed 追加数据并尽可能解出多帧
func (d *StreamDecoder) Feed(p []byte) []*Frame {
	if len(p) == 0 {
		return nil
	}
	d.buf = append(d.buf, p...)
	var frames []*Frame

	for {
		start := indexMagic(d.buf)
		if start < 0 {
			// 无 magic，仅保留末尾2字节以应对跨边界的 magic
			if len(d.buf) > 2 {
				d.buf = d.buf[len(d.buf)-2:]
			}
			return frames
		}
		if start > 0 {
			d.buf = d.buf[start:]
		}
		if len(d.buf) < 5 {
			return frames
		}
		totalLen := int(binary.LittleEndian.Uint16(d.buf[3:5]))
		if totalLen < frameOverhead || totalLen > d.maxFrameLen {
			// 异常长度，滑动1字节重新同步
			d.parseErrs++
			d.buf = d.buf[1:]
			continue
		}
		if len(d.buf) < totalLen {
			// 半包，等待更多数据
			return frames
		}

		candidate := d.buf[:totalLen]
		fr, err := Parse(candidate)
		if err != nil {
			d.parseErrs++
			d.buf = d.buf[1:]
			continue
		}
		// payload 是缓冲区切片，复制一份防止后续 Feed 覆盖
		dup := make([]byte, len(fr.Payload))
		copy(dup, fr.Payload)
		fr.Payload = dup
		frames = append(frames, fr)
		d.buf = d.buf[totalLen:]
		if len(d.buf) == 0 {
			return frames
		}
	}
}

// ParseErrors 返回累计解码失败次数（坏校验/畸形长度触发的重同步）
func (d *StreamDecoder) ParseErrors() uint64 { return d.parseErrs }

// indexMagic 返回缓冲区中下一个 magic 起始位置
func indexMagic(b []byte) int {
	for i := 0; i+3 <= len(b); i++ {
		if b[i] == magic[0] && b[i+1] == magic[1] && b[i+2] == magic[2] {
			return i
		}
	}
	return -1
}
