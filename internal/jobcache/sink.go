package jobcache

import "context"

// Vacancies describes where a feeder may put new candidates.
type Vacancies struct {
	Empty    []int   `json:"empty"`
	Resident []int64 `json:"resident"`
}

// Sink is what a feeder writes into: a local Cache or a remote one reached
// over the feed link.
type Sink interface {
	Vacancies(ctx context.Context) (Vacancies, error)
	Fill(ctx context.Context, index int, e Entry) error
}

type localSink struct {
	c Cache
}

// Local adapts a Cache to a Sink.
func Local(c Cache) Sink {
	return localSink{c: c}
}

func (l localSink) Vacancies(ctx context.Context) (Vacancies, error) {
	return vacanciesOf(ctx, l.c)
}

func (l localSink) Fill(ctx context.Context, index int, e Entry) error {
	return l.c.Fill(ctx, index, e)
}

func vacanciesOf(ctx context.Context, c Cache) (Vacancies, error) {
	slots, err := c.Window(ctx, 0, c.Len())
	if err != nil {
		return Vacancies{}, err
	}
	var v Vacancies
	for _, s := range slots {
		if s.State == SlotEmpty {
			v.Empty = append(v.Empty, s.Index)
		} else {
			v.Resident = append(v.Resident, s.Entry.Result.ID)
		}
	}
	return v, nil
}
