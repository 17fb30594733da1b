package seed

import (
	"log/slog"
	"math/rand"
	"time"
)

// NewSeededRNG はシード付きの乱数生成器を生成する。
// seedが0の場合は現在時刻を使い、再現できるように値をログに出力する。
func NewSeededRNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
		slog.Info("using random seed", "seed", seed)
	}
	return rand.New(rand.NewSource(seed))
}
