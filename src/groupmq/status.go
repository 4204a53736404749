package groupmq

// StatusSource is the introspection surface GetWorkersStatus reads.
type StatusSource interface {
	IsProcessing() bool
	CurrentJobInfo() *CurrentJobInfo
}

type WorkerStatus struct {
	Index        int
	IsProcessing bool
	CurrentJob   *CurrentJobInfo
}

type WorkersStatus struct {
	Total      int
	Processing int
	Idle       int
	Workers    []WorkerStatus
}

func GetWorkersStatus[W StatusSource](workers []W) WorkersStatus {
	st := WorkersStatus{
		Total:   len(workers),
		Workers: make([]WorkerStatus, 0, len(workers)),
	}

	for i, w := range workers {
		ws := WorkerStatus{Index: i, IsProcessing: w.IsProcessing()}
		if ws.IsProcessing {
			// the job may finish between the two reads
			ws.CurrentJob = w.CurrentJobInfo()
			ws.IsProcessing = ws.CurrentJob != nil
		}
		if ws.IsProcessing {
			st.Processing++
		} else {
			st.Idle++
		}
		st.Workers = append(st.Workers, ws)
	}
	return st
}
