package completion

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/exp/slog"

	"ChatAssistant/internal/domain"
	"ChatAssistant/internal/lib/logger/sl"
)

const fallbackEncoding = "cl100k_base"

// TokenCounter estimates the prompt size of a conversation.
type TokenCounter interface {
	Count(turns []domain.Turn) (int, error)
}

// TiktokenCounter counts with the model's encoding, or cl100k_base for models
// tiktoken does not know (every non-OpenAI model).
type TiktokenCounter struct {
	model string

	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

func NewTiktokenCounter(model string) *TiktokenCounter {
	return &TiktokenCounter{model: model}
}

func (c *TiktokenCounter) load() {
	enc, err := tiktoken.EncodingForModel(c.model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	c.enc, c.err = enc, err
}

func (c *TiktokenCounter) Count(turns []domain.Turn) (int, error) {
	const op = "completion.TiktokenCounter.Count"

	c.once.Do(c.load)
	if c.err != nil {
		return 0, fmt.Errorf("%s: %w", op, c.err)
	}

	// 3 tokens of framing per message plus 3 priming the reply.
	total := 3
	for _, t := range turns {
		total += 3
		total += len(c.enc.Encode(string(t.Role), nil, nil))
		total += len(c.enc.Encode(t.Content, nil, nil))
	}
	return total, nil
}

// fitBudget drops the oldest turns of a copy until it fits the token budget. The
// final turn is always kept. When counting fails the conversation is sent whole.
func (c *Client) fitBudget(log *slog.Logger, turns []domain.Turn) []domain.Turn {
	if c.budget <= 0 || c.counter == nil || len(turns) <= 1 {
		return turns
	}

	out := turns
	for len(out) > 1 {
		n, err := c.counter.Count(out)
		if err != nil {
			log.Warn("token count failed, sending full history", sl.Err(err))
			return turns
		}
		if n <= c.budget {
			break
		}
		out = out[1:]
	}

	if dropped := len(turns) - len(out); dropped > 0 {
		log.Info("history trimmed due to token budget", slog.Int("dropped", dropped))
	}
	return out
}
