package executor

import (
	"context"

	"github.com/lodestar-data/lodestar/pkg/pipeline"
	"github.com/lodestar-data/lodestar/pkg/scheduler"
	"github.com/pkg/errors"
)

type Operator interface {
	Run(ctx context.Context, ti scheduler.TaskInstance) error
}

type Config map[scheduler.TaskInstanceType]Operator

type Sequential struct {
	TaskTypeMap map[pipeline.AssetType]Config
}

func (s Sequential) RunSingleTask(ctx context.Context, instance scheduler.TaskInstance) error {
	task := instance.GetAsset()

	executors, ok := s.TaskTypeMap[task.Type]
	if !ok {
		return errors.New("there is no executor configured for the task type, task cannot be run: " + string(task.Type))
	}

	executor, ok := executors[instance.GetType()]
	if !ok {
		return errors.New("there is no executor configured for the task instance type, task cannot be run: " + instance.GetHumanID())
	}

	return executor.Run(ctx, instance)
}
