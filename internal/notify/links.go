package notify

import (
	"net/url"

	pb "github.com/russianinvestments/invest-api-go-sdk/proto"

	"wallwatch/internal/invest"
)

const (
	tinvestBaseURL   = "https://www.tbank.ru"
	securityShareUTM = "utm_source=security_share"
)

// instrumentPaths maps instrument kinds to their broker web paths.
// Kinds without a public page (options, structured products, ...) get
// no link.
var instrumentPaths = map[pb.InstrumentType]string{
	pb.InstrumentType_INSTRUMENT_TYPE_SHARE:    "/invest/stocks/",
	pb.InstrumentType_INSTRUMENT_TYPE_ETF:      "/invest/etfs/",
	pb.InstrumentType_INSTRUMENT_TYPE_BOND:     "/invest/bonds/",
	pb.InstrumentType_INSTRUMENT_TYPE_CURRENCY: "/invest/currencies/",
	pb.InstrumentType_INSTRUMENT_TYPE_FUTURES:  "/invest/futures/",
	pb.InstrumentType_INSTRUMENT_TYPE_INDEX:    "/invest/indexes/",
}

// BuildInstrumentURL returns the broker page for an instrument, or ""
// when the kind has no page or the identifier is missing. Bonds link
// by ISIN when available, everything else by ticker.
func BuildInstrumentURL(info *invest.InstrumentInfo, appendSecurityShareUTM bool) string {
	if info == nil {
		return ""
	}
	path, ok := instrumentPaths[info.Kind]
	if !ok {
		return ""
	}
	identifier := info.Ticker
	if info.Kind == pb.InstrumentType_INSTRUMENT_TYPE_BOND && info.ISIN != "" {
		identifier = info.ISIN
	}
	if identifier == "" {
		return ""
	}
	link := tinvestBaseURL + path + url.PathEscape(identifier) + "/"
	if appendSecurityShareUTM {
		link += "?" + securityShareUTM
	}
	return link
}
