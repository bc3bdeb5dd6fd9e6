package engagement

import "fmt"

// Weights configures the weighted-sum engagement score.
type Weights struct {
	Likes    float64 `yaml:"likes" json:"likes" env:"LIKES"`
	Comments float64 `yaml:"comments" json:"comments" env:"COMMENTS"`
	Shares   float64 `yaml:"shares" json:"shares" env:"SHARES"`
	Reach    float64 `yaml:"reach" json:"reach" env:"REACH"`
}

// DefaultWeights favours deeper interactions over passive ones.
func DefaultWeights() Weights {
	return Weights{Likes: 1, Comments: 2, Shares: 3, Reach: 0}
}

// Validate rejects weights that would make the score non-monotonic.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"likes":    w.Likes,
		"comments": w.Comments,
		"shares":   w.Shares,
		"reach":    w.Reach,
	} {
		if v < 0 {
			return fmt.Errorf("weight %q must not be negative, got %v", name, v)
		}
	}
	return nil
}

// Scorer turns raw counts into one comparable number. A Scorer is immutable,
// so every variant scored through the same value uses the same function.
type Scorer struct {
	weights Weights
}

func NewScorer(w Weights) (Scorer, error) {
	if err := w.Validate(); err != nil {
		return Scorer{}, err
	}
	return Scorer{weights: w}, nil
}

func (s Scorer) Score(c Counts) float64 {
	return s.weights.Likes*float64(c.Likes) +
		s.weights.Comments*float64(c.Comments) +
		s.weights.Shares*float64(c.Shares) +
		s.weights.Reach*float64(c.Reach)
}
