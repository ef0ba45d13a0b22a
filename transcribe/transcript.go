package transcribe

import (
	"strings"

	"github.com/autoclip/autoclip-worker/clients"
)

// Transcript is the merged result of a transcription run. All timestamps are
// absolute in the source video's timeline: each chunk's relative times are
// translated by the running offset before being appended.
type Transcript struct {
	Segments []clients.TranscriptSegment `json:"segments"`
	Words    []clients.TranscriptWord    `json:"words"`
	Text     string                      `json:"text"`
	Language string                      `json:"language"`
}

// appendChunk merges one chunk's result into the transcript, shifting its
// timestamps by offset seconds. Empty or inverted entries are dropped.
func (t *Transcript) appendChunk(chunk *clients.VerboseTranscription, offset float64) {
	for _, seg := range chunk.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" || seg.Start >= seg.End {
			continue
		}
		t.Segments = append(t.Segments, clients.TranscriptSegment{
			Start: seg.Start + offset,
			End:   seg.End + offset,
			Text:  text,
		})
	}
	for _, word := range chunk.Words {
		if strings.TrimSpace(word.Word) == "" || word.Start >= word.End {
			continue
		}
		t.Words = append(t.Words, clients.TranscriptWord{
			Start: word.Start + offset,
			End:   word.End + offset,
			Word:  word.Word,
		})
	}
	if text := strings.TrimSpace(chunk.Text); text != "" {
		if t.Text == "" {
			t.Text = text
		} else {
			t.Text += " " + text
		}
	}
	// language is the first non-empty value reported across chunks
	if t.Language == "" {
		t.Language = chunk.Language
	}
}
