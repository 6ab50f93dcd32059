package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"changeobserver/internal/notifier"
	"changeobserver/internal/pipeline"
	logx "changeobserver/pkg/logx"
)

// reportRun queues the operator summary of a finished run on the telegram
// channel. Nothing is sent without a chat id or telegram sender.
func (a *App) reportRun(ctx context.Context, r pipeline.Result) {
	chat := a.opsChatID.Load()
	if chat == 0 || !a.notif.HasChannel(notifier.ChannelTelegram) {
		return
	}
	err := a.notif.Notify(ctx, notifier.Notification{
		Channel:   notifier.ChannelTelegram,
		Recipient: strconv.FormatInt(chat, 10),
		Subject:   "Observation run " + r.Status,
		Text:      summarize(r),
	})
	if err != nil && !errors.Is(err, notifier.ErrDisabled) {
		a.log.Warn("run summary not queued", logx.String("run_id", r.RunID), logx.Err(err))
	}
}

func summarize(r pipeline.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (%s)\n", r.RunID, r.Trigger)
	fmt.Fprintf(&b, "processed %d, updated %d, no data %d, failed %d, notified %d\n",
		r.Processed, r.Updated, r.NoData, r.Failed, r.Notified)
	fmt.Fprintf(&b, "took %s", r.Took.Round(10*time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", r.Error)
	}
	return b.String()
}
