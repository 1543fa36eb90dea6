package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/tts"
)

// DiscardPlayer drops audio but holds the consumer for the item's duration,
// so queue behaviour matches a real device.
type DiscardPlayer struct{}

func (DiscardPlayer) Play(ctx context.Context, item *Item) error {
	d := item.Audio.Duration()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExecPlayer writes each item to a temporary file and runs a command on it.
// The file path is appended to the command, or substituted for {file}.
type ExecPlayer struct {
	cmd []string
	dir string
}

func NewExecPlayer(command string) (*ExecPlayer, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("player command empty")
	}
	return &ExecPlayer{cmd: args}, nil
}

func (p *ExecPlayer) Play(ctx context.Context, item *Item) error {
	path, err := p.writeFile(item.Audio)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	args := make([]string, 0, len(p.cmd)+1)
	substituted := false
	for _, a := range p.cmd[1:] {
		if strings.Contains(a, "{file}") {
			a = strings.ReplaceAll(a, "{file}", path)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, path)
	}

	cmd := exec.CommandContext(ctx, p.cmd[0], args...)
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("player command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (p *ExecPlayer) writeFile(a tts.Audio) (string, error) {
	ext := a.Format
	if a.Format == tts.FormatPCM {
		ext = tts.FormatWAV
	}
	file, err := os.CreateTemp(p.dir, "loqa-relay-*."+ext)
	if err != nil {
		return "", fmt.Errorf("create audio file: %w", err)
	}
	defer file.Close()

	if a.Format == tts.FormatPCM {
		err = writePCMToWav(file, a.Data, a.SampleRate, a.Channels)
	} else {
		_, err = file.Write(a.Data)
	}
	if err != nil {
		os.Remove(file.Name())
		return "", err
	}
	return file.Name(), nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// BusPlayer streams items as AudioChunk messages for a remote device. It
// paces itself by the audio duration so interrupts reach the consumer
// while the device is still playing.
type BusPlayer struct {
	pub       Publisher
	subject   string
	chunkSize int
}

func NewBusPlayer(pub Publisher, subject string) *BusPlayer {
	return &BusPlayer{pub: pub, subject: subject, chunkSize: 32 * 1024}
}

func (p *BusPlayer) Play(ctx context.Context, item *Item) error {
	data := item.Audio.Data
	for off := 0; off < len(data) || off == 0; off += p.chunkSize {
		if err := ctx.Err(); err != nil {
			_ = p.publish(item, nil, true)
			return err
		}
		end := min(off+p.chunkSize, len(data))
		final := end >= len(data)
		if err := p.publish(item, data[off:end], final); err != nil {
			return err
		}
		if final {
			break
		}
	}
	return DiscardPlayer{}.Play(ctx, item)
}

func (p *BusPlayer) publish(item *Item, data []byte, final bool) error {
	packet := protocol.AudioChunk{
		ItemID:     item.ID,
		ChunkID:    item.ChunkID,
		Format:     item.Audio.Format,
		SampleRate: item.Audio.SampleRate,
		Channels:   item.Audio.Channels,
		Data:       data,
		Final:      final,
		Timestamp:  time.Now().UTC(),
	}
	payload, err := json.Marshal(packet)
	if err != nil {
		return fmt.Errorf("marshal audio chunk: %w", err)
	}
	if err := p.pub.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("publish audio chunk: %w", err)
	}
	return nil
}
