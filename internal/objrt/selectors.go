package objrt

// Selectors understood by the bridge.
const (
	SelAlloc       Selector = "alloc"
	SelCount       Selector = "count"
	SelDescription Selector = "description"

	// SelCountByEnumerating fills a batch window.
	// Args: (*enumerate.State, []ID objects, int capacity). Returns int.
	SelCountByEnumerating Selector = "countByEnumeratingWithState:objects:count:"

	// Args: (unsafe.Pointer, int, bool freeWhenDone). Returns ID.
	SelInitWithBytesNoCopy Selector = "initWithBytesNoCopy:length:freeWhenDone:"
	// Args: (unsafe.Pointer, int, Deallocator). Returns ID.
	SelInitWithBytesNoCopyDeallocator Selector = "initWithBytesNoCopy:length:deallocator:"
	// Args: (unsafe.Pointer, int). Returns ID.
	SelInitWithBytes Selector = "initWithBytes:length:"

	SelLength Selector = "length"
	SelBytes  Selector = "bytes"

	// Args: (string path, bool atomically). Returns bool.
	SelWriteToFile Selector = "writeToFile:atomically:"
)

// Foreign class names.
const (
	ClassData         = "NSData"
	ClassArray        = "NSArray"
	ClassMutableArray = "NSMutableArray"
	ClassDictionary   = "NSDictionary"
	ClassString       = "NSString"
)
