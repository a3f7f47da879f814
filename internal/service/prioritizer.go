package service

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/repository"
)

// prioritySample is how many recent transactions feed an account's score.
const prioritySample = 20

// priorityScore rates account activity 0..100 from recent transaction times:
// up to 70 points for the share of days with activity across the sampled span
// and up to 30 for sample volume.
func priorityScore(times []time.Time) int {
	switch len(times) {
	case 0:
		return 0
	case 1:
		return 10
	}
	oldest, newest := times[0], times[0]
	days := make(map[string]struct{}, len(times))
	for _, t := range times {
		days[t.UTC().Format(time.DateOnly)] = struct{}{}
		if t.Before(oldest) {
			oldest = t
		}
		if t.After(newest) {
			newest = t
		}
	}
	span := math.Max(1, math.Ceil(newest.Sub(oldest).Hours()/24))

	frequency := math.Min(70, float64(len(days))/span*100)
	volume := math.Min(30, float64(len(times))/prioritySample*30)
	return int(math.Round(frequency + volume))
}

// prioritize orders accounts by descending activity score; ties keep input order.
// A failed history read ranks the account last rather than failing the sync.
func prioritize(
	ctx context.Context, txs repository.TransactionRepository, accounts []model.ExternalAccount, log *zap.Logger,
) []model.ExternalAccount {
	scores := make(map[int]int, len(accounts))
	for i, a := range accounts {
		times, err := txs.RecentTimes(ctx, a.ID, prioritySample)
		if err != nil {
			log.Warn("account priority", zap.String("external_account_id", a.ID.String()), zap.Error(err))
			scores[i] = -1
			continue
		}
		scores[i] = priorityScore(times)
	}

	idx := make([]int, len(accounts))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	out := make([]model.ExternalAccount, len(accounts))
	for i, j := range idx {
		out[i] = accounts[j]
	}
	return out
}
