package market

// EbayName is the registry key of the built-in eBay configuration.
const EbayName = "ebay"

// Ebay returns a fresh, uncompiled eBay configuration.
func Ebay() *Config {
	return &Config{
		Name:        EbayName,
		SearchURL:   "https://www.ebay.com/sch/i.html?_from=R40&_trksid=p2380057.m570.l1313&_sacat=0",
		SearchParam: "_nkw",
		PageParam:   "_pgn",
		Dialect:     "xpath",
		Selectors: Selectors{
			ItemLink:     "//div[@class='s-item__wrapper clearfix']/div[@class='s-item__image-section']/div[@class='s-item__image']/a",
			TotalCount:   "//h1[@class='srp-controls__count-heading']/span[@class='BOLD']",
			ItemsPerPage: "//span[@id='srp-ipp-menu']//span[@class='btn__cell']/span",
			Title:        "//h1[@class='x-item-title__mainTitle']/span[@class='ux-textspans ux-textspans--BOLD']",
			Description:  "//div[@class='vim d-item-description']/iframe",
			Price:        "//div[@class='x-price-primary']/span[@class='ux-textspans']",
			Image:        "//div[@class='ux-image-carousel-container']//div[@class='ux-image-carousel-item active image']//img",
		},
		// https://www.ebay.com/itm/<id>?<tracking>
		IDFunc: SplitID("/itm/", "?#"),
	}
}
