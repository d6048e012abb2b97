package mono

import "time"

func fallbackNanoTime() int64 { return time.Now().UnixNano() }
