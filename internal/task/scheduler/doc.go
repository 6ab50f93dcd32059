// Package scheduler registers cron and interval schedules and turns each
// trigger into a task on the engine. It never runs jobs itself.
package scheduler
