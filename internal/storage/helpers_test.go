package storage

import logx "taskd/pkg/logx"

func logxNop() logx.Logger { return logx.Nop() }
