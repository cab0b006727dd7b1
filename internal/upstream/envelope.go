package upstream

import "encoding/json"

// Common is the provider envelope header. A call is successful only when
// the HTTP status is 2xx and ErrYn is not "Y".
type Common struct {
	UserTrNo   string `json:"userTrNo,omitempty"`
	HyphenTrNo string `json:"hyphenTrNo,omitempty"`
	ErrYn      string `json:"errYn,omitempty"`
	ErrCd      string `json:"errCd,omitempty"`
	ErrMsg     string `json:"errMsg,omitempty"`
}

// Response is one decoded provider envelope.
type Response struct {
	Common Common          `json:"common"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Failed reports whether the envelope itself flags an error.
func (r *Response) Failed() bool {
	return r.Common.ErrYn == "Y"
}

// RequestPayload is the provider request body. Base endpoints take the
// window fields; detail endpoints additionally get detailYn/imgYn.
type RequestPayload struct {
	LoginMethod string          `json:"loginMethod,omitempty"`
	LoginOrgCd  string          `json:"loginOrgCd,omitempty"`
	FromDate    string          `json:"fromDate,omitempty"`
	ToDate      string          `json:"toDate,omitempty"`
	SubjectType string          `json:"subjectType,omitempty"`
	CookieData  json.RawMessage `json:"cookieData,omitempty"`
	ShowCookie  string          `json:"showCookie,omitempty"`
	DetailYn    string          `json:"detailYn,omitempty"`
	ImgYn       string          `json:"imgYn,omitempty"`
}
