package invest

import (
	"regexp"
	"strings"

	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
	"github.com/shopspring/decimal"
)

// DefaultTickSize is used when an instrument reports a non-positive
// min price increment.
const DefaultTickSize = 0.01

var (
	uidRe  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	isinRe = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{10}$`)
	figiRe = regexp.MustCompile(`^BBG[A-Z0-9]{9}$`)
)

// kindRanks orders instrument kinds for tie-breaking: plain equities
// first, exotics last.
var kindRanks = map[pb.InstrumentType]int{
	pb.InstrumentType_INSTRUMENT_TYPE_SHARE:                0,
	pb.InstrumentType_INSTRUMENT_TYPE_ETF:                  1,
	pb.InstrumentType_INSTRUMENT_TYPE_BOND:                 2,
	pb.InstrumentType_INSTRUMENT_TYPE_CURRENCY:             3,
	pb.InstrumentType_INSTRUMENT_TYPE_FUTURES:              4,
	pb.InstrumentType_INSTRUMENT_TYPE_OPTION:               5,
	pb.InstrumentType_INSTRUMENT_TYPE_SP:                   6,
	pb.InstrumentType_INSTRUMENT_TYPE_CLEARING_CERTIFICATE: 7,
	pb.InstrumentType_INSTRUMENT_TYPE_INDEX:                8,
	pb.InstrumentType_INSTRUMENT_TYPE_COMMODITY:            9,
	pb.InstrumentType_INSTRUMENT_TYPE_UNSPECIFIED:          10,
}

// quotationToFloat converts an exchange quotation (units + nano) to a
// float64, going through decimal so the nano digits survive intact.
func quotationToFloat(q *pb.Quotation) float64 {
	if q == nil {
		return 0
	}
	d := decimal.NewFromInt(q.GetUnits()).Add(decimal.New(int64(q.GetNano()), -9))
	f, _ := d.Float64()
	return f
}

// selectBestMatch picks the instrument a query most plausibly refers
// to. The query class decides the match field (UID, FIGI, ISIN with
// figi/uid fallback, ticker otherwise); surviving candidates are
// ranked by API tradability then kind. Returns nil when the query
// matches nothing.
func selectBestMatch(symbol string, instruments []*pb.InstrumentShort) *pb.InstrumentShort {
	if len(instruments) == 0 {
		return nil
	}
	candidates := filterMatches(symbol, instruments)
	if candidates == nil {
		return nil
	}
	best := candidates[0]
	bestAvail, bestKind := candidateRank(best)
	for _, item := range candidates[1:] {
		avail, kind := candidateRank(item)
		if avail && !bestAvail || (avail == bestAvail && kind < bestKind) {
			best, bestAvail, bestKind = item, avail, kind
		}
	}
	return best
}

// filterMatches narrows candidates by the query class. A nil result
// means nothing matched; an empty non-nil result is never returned.
func filterMatches(symbol string, instruments []*pb.InstrumentShort) []*pb.InstrumentShort {
	upper := strings.ToUpper(symbol)
	switch {
	case uidRe.MatchString(symbol):
		return nonEmpty(filter(instruments, func(i *pb.InstrumentShort) bool {
			return i.GetUid() == symbol
		}))
	case figiRe.MatchString(upper):
		return nonEmpty(filter(instruments, func(i *pb.InstrumentShort) bool {
			return strings.ToUpper(i.GetFigi()) == upper
		}))
	case isinRe.MatchString(upper):
		byIsin := filter(instruments, func(i *pb.InstrumentShort) bool {
			return strings.ToUpper(i.GetIsin()) == upper
		})
		if len(byIsin) > 0 {
			return byIsin
		}
		return nonEmpty(filter(instruments, func(i *pb.InstrumentShort) bool {
			return i.GetUid() == symbol || strings.ToUpper(i.GetFigi()) == upper
		}))
	default:
		return nonEmpty(filter(instruments, func(i *pb.InstrumentShort) bool {
			return strings.ToUpper(i.GetTicker()) == upper
		}))
	}
}

func candidateRank(i *pb.InstrumentShort) (apiAvailable bool, kindRank int) {
	rank, ok := kindRanks[i.GetInstrumentKind()]
	if !ok {
		rank = len(kindRanks)
	}
	return i.GetApiTradeAvailableFlag(), rank
}

func filter(instruments []*pb.InstrumentShort, keep func(*pb.InstrumentShort) bool) []*pb.InstrumentShort {
	var out []*pb.InstrumentShort
	for _, item := range instruments {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}

func nonEmpty(items []*pb.InstrumentShort) []*pb.InstrumentShort {
	if len(items) == 0 {
		return nil
	}
	return items
}
