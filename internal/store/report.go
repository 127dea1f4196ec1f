package store

import (
	"fmt"
	"strings"

	"github.com/aristath/hedgebot/internal/domain"
)

// Result tags a report line.
type Result int

const (
	// ResultNone is an informational line that does not count as an attempt.
	ResultNone Result = iota
	ResultSuccess
	ResultFailure
)

func (r Result) prefix() string {
	switch r {
	case ResultSuccess:
		return "✅ "
	case ResultFailure:
		return "❌ "
	default:
		return ""
	}
}

// report accumulates the lines of one job until it is consumed.
type report struct {
	Texts       []string `json:"texts"`
	SuccessRate [2]int   `json:"success_rate"`
}

type stats struct {
	ModulesDone map[string][2]int `json:"modules_done"`
}

// ReportRequest identifies the report to consume and how to head it.
type ReportRequest struct {
	Key     string // encoded secret or group index
	Label   string
	Address string // account address, used for the trade counter
	IsLast  bool   // adds the [done/total] account progress
	Mode    domain.Mode
}

// AppendReport adds a line to the report for key. Success and failure lines
// count as attempts towards the success rate.
func (s *Store) AppendReport(key, text string, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reports, err := s.readReports()
	if err != nil {
		return err
	}

	r := reports[key]
	if r == nil {
		r = &report{Texts: []string{}}
		reports[key] = r
	}
	r.Texts = append(r.Texts, result.prefix()+text)
	if result != ResultNone {
		r.SuccessRate[1]++
		if result == ResultSuccess {
			r.SuccessRate[0]++
		}
	}

	return s.writeReports(reports)
}

// ConsumeReport renders and deletes the report for req.Key. Without a report
// the header is followed by "No actions". In single mode each call advances
// the account's trade counter and shows it in the header.
func (s *Store) ConsumeReport(req ReportRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var header strings.Builder
	if req.IsLast {
		fmt.Fprintf(&header, "[%d/%d] ", s.progress.AccountsDone, s.progress.AccountsTotal)
	}
	fmt.Fprintf(&header, "<b>%s</b>", req.Label)

	if req.Mode.PerModule() && req.Address != "" {
		counter, ok, err := s.advanceTradeCounterLocked(req.Address)
		if err != nil {
			return "", err
		}
		if ok {
			fmt.Fprintf(&header, "\n📌 [Trade %d/%d]", counter[0], counter[1])
		}
	}
	header.WriteString("\n\n")

	reports, err := s.readReports()
	if err != nil {
		return "", err
	}
	r := reports[req.Key]
	if r == nil {
		return header.String() + "No actions", nil
	}

	delete(reports, req.Key)
	if err := s.writeReports(reports); err != nil {
		return "", err
	}

	text := header.String() + strings.Join(r.Texts, "\n")
	if r.SuccessRate[1] > 0 {
		text += fmt.Sprintf("\n\nSuccess rate %d/%d", r.SuccessRate[0], r.SuccessRate[1])
	}
	return text, nil
}

// advanceTradeCounterLocked bumps the done count for address and returns the
// new counter. The entry is dropped once every trade is done.
func (s *Store) advanceTradeCounterLocked(address string) ([2]int, bool, error) {
	st, err := s.readStats()
	if err != nil {
		return [2]int{}, false, err
	}
	counter, ok := st.ModulesDone[address]
	if !ok {
		return [2]int{}, false, nil
	}

	counter[0]++
	if counter[0] >= counter[1] {
		delete(st.ModulesDone, address)
	} else {
		st.ModulesDone[address] = counter
	}
	if err := s.writeStats(st); err != nil {
		return [2]int{}, false, err
	}
	return counter, true, nil
}

func (s *Store) readReports() (map[string]*report, error) {
	reports := make(map[string]*report)
	if err := readJSON(s.path(reportFile), &reports); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	if reports == nil {
		reports = make(map[string]*report)
	}
	return reports, nil
}

func (s *Store) writeReports(reports map[string]*report) error {
	if err := writeJSON(s.path(reportFile), reports); err != nil {
		return fmt.Errorf("failed to write %s: %w", reportFile, err)
	}
	return nil
}

func (s *Store) readStats() (*stats, error) {
	st := &stats{}
	if err := readJSON(s.path(statsFile), st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	if st.ModulesDone == nil {
		st.ModulesDone = make(map[string][2]int)
	}
	return st, nil
}

func (s *Store) writeStats(st *stats) error {
	if err := writeJSON(s.path(statsFile), st); err != nil {
		return fmt.Errorf("failed to write %s: %w", statsFile, err)
	}
	return nil
}
