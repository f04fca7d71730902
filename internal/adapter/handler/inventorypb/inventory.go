package inventorypb

type StockRequest struct {
	Sku string `json:"sku"`
}

func (x *StockRequest) GetSku() string {
	if x != nil {
		return x.Sku
	}
	return ""
}

type StockResponse struct {
	Sku   string `json:"sku"`
	Stock int64  `json:"stock"`
}

func (x *StockResponse) GetStock() int64 {
	if x != nil {
		return x.Stock
	}
	return 0
}

type ReserveRequest struct {
	Sku      string `json:"sku"`
	Quantity int64  `json:"quantity"`
	Token    string `json:"token"`
}

func (x *ReserveRequest) GetSku() string {
	if x != nil {
		return x.Sku
	}
	return ""
}

func (x *ReserveRequest) GetQuantity() int64 {
	if x != nil {
		return x.Quantity
	}
	return 0
}

func (x *ReserveRequest) GetToken() string {
	if x != nil {
		return x.Token
	}
	return ""
}

// ReserveResponse carries the new stock on success, or the available stock
// when Success is false.
type ReserveResponse struct {
	Success bool   `json:"success"`
	Stock   int64  `json:"stock"`
	Message string `json:"message"`
}

func (x *ReserveResponse) GetSuccess() bool {
	if x != nil {
		return x.Success
	}
	return false
}

func (x *ReserveResponse) GetStock() int64 {
	if x != nil {
		return x.Stock
	}
	return 0
}

func (x *ReserveResponse) GetMessage() string {
	if x != nil {
		return x.Message
	}
	return ""
}

// ReleaseRequest gives back what the reservation named by Token took.
type ReleaseRequest struct {
	Sku   string `json:"sku"`
	Token string `json:"token"`
}

func (x *ReleaseRequest) GetSku() string {
	if x != nil {
		return x.Sku
	}
	return ""
}

func (x *ReleaseRequest) GetToken() string {
	if x != nil {
		return x.Token
	}
	return ""
}

type ReleaseResponse struct {
	Stock int64 `json:"stock"`
}

func (x *ReleaseResponse) GetStock() int64 {
	if x != nil {
		return x.Stock
	}
	return 0
}
