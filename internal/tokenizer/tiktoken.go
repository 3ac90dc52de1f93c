package tokenizer

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/clinsim/aivp/internal/services"
)

// Tiktoken counts tokens with the model's own encoding, falling back to
// cl100k_base for models tiktoken does not know.
type Tiktoken struct{}

func New() *Tiktoken { return &Tiktoken{} }

func (t *Tiktoken) CountTokens(model, text string) (int, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return 0, err
		}
	}
	return len(enc.Encode(text, nil, nil)), nil
}

var _ services.Tokenizer = (*Tiktoken)(nil)
