package bili

import "encoding/json"

// Platform response codes the automation must recognize. Anything else is
// a generic failure.
const (
	CodeSuccess      = 0
	CodeEnded        = 170003
	CodeInsufficient = 170415
	CodeBadRequest   = -400
)

// Envelope is the platform's uniform response wrapper.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// WinItem is one entry of the winner-list feed, newest first.
type WinItem struct {
	Name      string `json:"name"`
	CTime     int64  `json:"ctime"`
	AwardInfo struct {
		Name string `json:"name"`
		Icon string `json:"icon"`
	} `json:"award_info"`
}

// MyTimes is the remaining-allowance payload.
type MyTimes struct {
	Times       int    `json:"times"`
	Points      int    `json:"points"`
	LotteryType string `json:"lottery_type"`
}
