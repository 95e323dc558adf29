package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/lodestar-data/lodestar/pkg/logger"
	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/lodestar-data/lodestar/pkg/scheduler"
)

var (
	colors = []color.Attribute{
		color.FgBlue,
		color.FgMagenta,
		color.FgCyan,
		color.FgWhite,
		color.FgHiMagenta,
		color.FgHiBlue,
		color.FgHiCyan,
	}
	faint = color.New(color.Faint).SprintFunc()
)

const timeFormat = "2006-01-02 15:04:05"

type Concurrent struct {
	workerCount int
	workers     []*worker
}

func NewConcurrent(
	log logger.Logger,
	taskTypeMap map[pipeline.AssetType]Config,
	workerCount int,
) *Concurrent {
	executor := &Sequential{
		TaskTypeMap: taskTypeMap,
	}

	var printLock sync.Mutex

	workers := make([]*worker, workerCount)
	for i := 0; i < workerCount; i++ {
		workers[i] = &worker{
			id:        fmt.Sprintf("worker-%d", i),
			executor:  executor,
			logger:    log,
			printer:   color.New(colors[i%len(colors)]),
			printLock: &printLock,
		}
	}

	return &Concurrent{
		workerCount: workerCount,
		workers:     workers,
	}
}

func (c Concurrent) Start(ctx context.Context, input chan scheduler.TaskInstance, result chan<- *scheduler.TaskExecutionResult) {
	for i := 0; i < c.workerCount; i++ {
		go c.workers[i].run(ctx, input, result)
	}
}

type worker struct {
	id        string
	executor  *Sequential
	logger    logger.Logger
	printer   *color.Color
	printLock *sync.Mutex
}

func (w worker) run(ctx context.Context, taskChannel <-chan scheduler.TaskInstance, results chan<- *scheduler.TaskExecutionResult) {
	for task := range taskChannel {
		w.printLock.Lock()
		w.printer.Printf("[%s] Starting: %s\n", time.Now().Format(timeFormat), task.GetHumanID())
		w.printLock.Unlock()

		start := time.Now()
		w.logger.Debugw("running task", "task", task.GetHumanID(), "id", task.GetID(), "worker", w.id)

		err := w.executor.RunSingleTask(ctx, task)

		duration := time.Since(start)
		note := fmt.Sprintf("(%s)", duration.Truncate(time.Millisecond).String())
		if main, ok := task.(*scheduler.AssetInstance); ok {
			if count, counted := main.RowsAffected(); counted {
				note = fmt.Sprintf("(%s, %d rows)", duration.Truncate(time.Millisecond).String(), count)
			}
		}
		w.printLock.Lock()

		res := "Finished"
		if err != nil {
			res = "Failed"
		}

		w.printer.Printf("[%s] %s: %s %s\n", time.Now().Format(timeFormat), res, task.GetHumanID(), faint(note))
		w.printLock.Unlock()

		results <- &scheduler.TaskExecutionResult{
			Instance: task,
			Error:    err,
		}
	}
}
