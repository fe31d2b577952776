package service

// DefaultRatePerSecond 默认每秒费率
const DefaultRatePerSecond int64 = 1000

// Tariff 线性计费：停车秒数 × 每秒费率
type Tariff struct {
	RatePerSecond int64
}

// NewTariff 创建计费策略，负费率按 0 处理
func NewTariff(ratePerSecond int64) Tariff {
	if ratePerSecond < 0 {
		ratePerSecond = 0
	}
	return Tariff{RatePerSecond: ratePerSecond}
}

// Fee 计算应付金额，负时长按 0 处理
func (t Tariff) Fee(durationSeconds int64) int64 {
	if durationSeconds <= 0 {
		return 0
	}
	return durationSeconds * t.RatePerSecond
}
